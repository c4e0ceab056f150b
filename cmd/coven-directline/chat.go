// ABOUTME: chat subcommand: interactive or single-message conversation with the bot
// ABOUTME: Polling and token refresh run as schedule loops beside the input loop

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-directline/internal/directline"
	"github.com/2389/coven-directline/internal/identity"
	"github.com/2389/coven-directline/internal/render"
	"github.com/2389/coven-directline/internal/schedule"
	"github.com/2389/coven-directline/internal/session"
	"github.com/2389/coven-directline/internal/store"
)

type chatFlags struct {
	configPath string
	message    string
	resume     string
	noAuth     bool
	name       string
	debug      bool
	noColor    bool
	wait       time.Duration
}

func runChat(ctx context.Context, args []string) error {
	var f chatFlags
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Config file path")
	fs.StringVar(&f.message, "m", "", "Send a single message, print the replies and exit")
	fs.StringVar(&f.resume, "resume", "", `Continue a conversation by id, or "last" for the newest checkpoint`)
	fs.BoolVar(&f.noAuth, "no-auth", false, "Skip sign-in and use the Direct Line secret only")
	fs.StringVar(&f.name, "name", "", "Display name for the user")
	fs.BoolVar(&f.debug, "debug", false, "Show all activities and debug logs")
	fs.BoolVar(&f.noColor, "no-color", false, "Disable colored output")
	fs.DurationVar(&f.wait, "wait", 10*time.Second, "With -m, stop after this long without a reply")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, f.configPath)
	if err != nil {
		return err
	}
	if f.debug {
		cfg.Logging.Level = "debug"
	}
	if f.noAuth {
		if cfg.DirectLine.Secret == "" {
			return errors.New("-no-auth needs directline.secret")
		}
		cfg.Identity.ClientID = ""
		cfg.Session.EnhancedAuth = false
	}
	if f.name != "" {
		cfg.Session.UserName = f.name
	}

	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := newApp(cfg, logger, os.Stderr)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.serveMetrics(ctx); err != nil {
		return err
	}

	// Resumed conversations reconnect with the secret, so there is no sign-in.
	var idTok identity.Token
	if f.resume == "" {
		idTok, err = a.identityToken(ctx)
		if err != nil {
			if cfg.Session.EnhancedAuth {
				return fmt.Errorf("signing in: %w", err)
			}
			logger.Warn("sign-in failed, continuing without identity token", "error", err)
		}
	} else if cfg.Session.EnhancedAuth {
		return errors.New("-resume cannot keep enhanced authentication; add -no-auth to resume with the Direct Line secret")
	}

	sess, err := a.openSession(ctx, f.resume, idTok.Value)
	if err != nil {
		return err
	}
	defer sess.Close()

	out := &console{
		w:     os.Stdout,
		r:     render.New(render.WithColor(!f.noColor && isTerminal(os.Stdout))),
		debug: f.debug,
		sess:  sess,
	}

	if f.message != "" {
		return sendOnce(ctx, sess, out, f.message, f.wait)
	}
	return interactive(ctx, a, sess, out, os.Stdin)
}

// openSession starts a new conversation or resumes one from the store.
func (a *app) openSession(ctx context.Context, resume, identityToken string) (*session.Session, error) {
	opts := a.sessionOptions(identityToken, a.cfg.Session.User())
	if resume == "" {
		return session.Start(ctx, a.dl, a.dl, opts)
	}

	cp, err := a.findCheckpoint(ctx, resume)
	if err != nil {
		return nil, err
	}
	return session.Resume(ctx, a.dl, a.dl, *cp, opts)
}

func (a *app) findCheckpoint(ctx context.Context, resume string) (*store.Checkpoint, error) {
	if a.store == nil {
		if resume == "last" {
			return nil, errors.New(`-resume last needs store.path to be configured`)
		}
		return &store.Checkpoint{ConversationID: resume}, nil
	}

	if resume == "last" {
		cps, err := a.store.ListCheckpoints(ctx, 1)
		if err != nil {
			return nil, err
		}
		if len(cps) == 0 {
			return nil, errors.New("no saved conversations")
		}
		return cps[0], nil
	}

	cp, err := a.store.GetCheckpoint(ctx, resume)
	if errors.Is(err, store.ErrNotFound) {
		// Unknown locally: join from the beginning.
		return &store.Checkpoint{ConversationID: resume}, nil
	}
	return cp, err
}

// sendOnce sends text and prints replies until none arrive for wait.
func sendOnce(ctx context.Context, sess *session.Session, out *console, text string, wait time.Duration) error {
	// Skip whatever was already in the conversation.
	if _, err := sess.PollNewActivities(ctx); err != nil {
		return err
	}

	out.printf("%s\n", out.r.Own(directline.Activity{Text: text}))
	if _, err := sess.SendMessage(ctx, text); err != nil {
		return err
	}

	replied := false
	err := schedule.PollLoop(ctx, sess, schedule.PollConfig{
		MinInterval: 500 * time.Millisecond,
		MaxInterval: 2 * time.Second,
		IdleTimeout: wait,
	}, func(_ context.Context, activities []directline.Activity) error {
		if out.show(activities) > 0 {
			replied = true
		}
		return nil
	})
	if err != nil && !errors.Is(err, schedule.ErrIdle) {
		return err
	}
	if !replied {
		out.printf("%s\n", out.r.Error(errors.New("no response received")))
	}
	return nil
}

func interactive(ctx context.Context, a *app, sess *session.Session, out *console, in io.Reader) error {
	out.printf("Connected to conversation %s as %s\n", sess.ConversationID(), sess.User().ID)
	out.printf("Type a message and press Enter. /help for commands. Ctrl+C to quit.\n\n")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- schedule.Run(ctx, sess,
			schedule.PollConfig{
				MinInterval: a.cfg.Schedule.MinInterval,
				MaxInterval: a.cfg.Schedule.MaxInterval,
				IdleTimeout: a.cfg.Schedule.IdleTimeout,
				Logger:      a.logger,
			},
			schedule.RefreshConfig{Interval: a.cfg.Schedule.RefreshInterval, Logger: a.logger},
			func(_ context.Context, activities []directline.Activity) error {
				out.show(activities)
				return nil
			})
	}()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			readErr <- err
			return
		}
		readErr <- io.EOF
	}()

	for {
		var input string
		select {
		case <-ctx.Done():
			out.printf("\nGoodbye!\n")
			return nil
		case err := <-loopErr:
			if errors.Is(err, schedule.ErrIdle) {
				out.printf("Conversation idle, exiting.\n")
				return nil
			}
			return err
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if done := out.command(ctx, a, sess, input); done {
			out.printf("Goodbye!\n")
			return nil
		}
	}
}

// command handles a slash command or sends input as a message. It reports
// whether the chat should end.
func (c *console) command(ctx context.Context, a *app, sess *session.Session, input string) bool {
	switch strings.ToLower(input) {
	case "/quit", "/exit", "/q", "exit", "quit":
		return true
	case "/help":
		c.printf("Commands:\n")
		c.printf("  /status     Show conversation, watermark and token expiry\n")
		c.printf("  /refresh    Refresh the session token now\n")
		c.printf("  /accounts   List signed-in accounts\n")
		c.printf("  /signout    Forget signed-in accounts\n")
		c.printf("  /quit       Exit\n")
	case "/status":
		c.printf("conversation: %s\nuser:         %s\nwatermark:    %q\nstate:        %s\nexpires:      %s\n",
			sess.ConversationID(), sess.User().ID, sess.Watermark(), sess.State(),
			sess.ExpiresAt().Local().Format(time.RFC3339))
	case "/refresh":
		if err := sess.Refresh(ctx); err != nil {
			c.printf("%s\n", c.r.Error(err))
			break
		}
		c.printf("Token refreshed, expires %s\n", sess.ExpiresAt().Local().Format(time.Kitchen))
	case "/accounts":
		if a.provider == nil {
			c.printf("No app registration configured\n")
			break
		}
		accounts := a.provider.Cache().Accounts()
		if len(accounts) == 0 {
			c.printf("No accounts signed in\n")
		}
		for _, acct := range accounts {
			c.printf("  %s\n", acct)
		}
	case "/signout":
		if a.provider == nil {
			break
		}
		for _, acct := range a.provider.Cache().Accounts() {
			a.provider.Cache().Remove(acct)
		}
		c.printf("Signed-in accounts forgotten; the current session keeps its token\n")
	default:
		if strings.HasPrefix(input, "/") {
			c.printf("Unknown command %s, try /help\n", input)
			break
		}
		if _, err := sess.SendMessage(ctx, input); err != nil {
			c.printf("%s\n", c.r.Error(err))
		}
	}
	return false
}

// console serializes output from the input loop and the poll loop.
type console struct {
	mu    sync.Mutex
	w     io.Writer
	r     *render.Renderer
	debug bool
	sess  *session.Session
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

// show prints the bot's activities and returns how many were printed. The
// user's own echoes are hidden unless debugging.
func (c *console) show(activities []directline.Activity) int {
	own, others := c.sess.SplitEchoes(activities)
	if c.debug {
		for _, a := range own {
			c.printf("%s\n", c.r.Own(a))
		}
	}

	shown := 0
	for _, a := range others {
		switch a.Type.Kind() {
		case directline.KindTyping, directline.KindConversationUpdate:
			if !c.debug {
				continue
			}
		case directline.KindMessage:
			if a.Text == "" && len(a.Attachments) == 0 && !c.debug {
				continue
			}
		}
		c.printf("%s\n", c.r.Activity(a))
		shown++
	}
	return shown
}
