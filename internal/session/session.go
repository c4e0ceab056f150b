// ABOUTME: Conversation session aggregate over the Direct Line client
// ABOUTME: Owns token, watermark and state; single-flight refresh with one retry

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-directline/internal/apierr"
	"github.com/2389/coven-directline/internal/dedupe"
	"github.com/2389/coven-directline/internal/directline"
	"github.com/2389/coven-directline/internal/store"
)

// Issuer issues and refreshes session tokens.
type Issuer interface {
	Issue(ctx context.Context, req directline.IssueRequest) (directline.SessionToken, error)
	Refresh(ctx context.Context, tok directline.SessionToken) (directline.SessionToken, error)
}

// Reconnector can additionally obtain a token for an existing conversation.
type Reconnector interface {
	Issuer
	Reconnect(ctx context.Context, conversationID string, watermark directline.Watermark) (directline.SessionToken, error)
}

// Channel sends and polls activities.
type Channel interface {
	Send(ctx context.Context, conversationID string, tok directline.SessionToken, msg directline.Outgoing) (directline.Receipt, error)
	Poll(ctx context.Context, conversationID string, tok directline.SessionToken, watermark directline.Watermark) (directline.ActivitySet, error)
}

// Checkpointer persists the resume position.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, cp *store.Checkpoint) error
}

// Observer receives session events for metrics.
type Observer interface {
	ObserveRefresh(result string)
	ObserveWatermarkAdvance()
	ObserveActivity(activityType string)
	ObserveSenderMismatch()
}

// Refresh results reported to the Observer.
const (
	refreshOK      = "ok"
	refreshSkipped = "skipped"
	refreshFailed  = "failed"
	refreshExpired = "expired"
)

// Receipt ids of sent messages are kept this long to check their echoes.
const (
	sentTTL     = time.Hour
	sentMaxSize = 1024
)

// Options configures a session.
type Options struct {
	// IdentityToken, when set, is presented at issuance and enables enhanced
	// authentication.
	IdentityToken string
	// User is bound to the session. An empty ID gets a generated dl_ id.
	User           directline.User
	TrustedOrigins []string
	// EnhancedAuth requires an identity token and a dl_ user id.
	EnhancedAuth bool
	// AllowUnprefixedUserID turns a user id without the dl_ prefix into a
	// warning instead of an error. The identity token is still presented.
	AllowUnprefixedUserID bool
	// RefreshMargin overrides directline.RefreshMargin of the token lifetime.
	RefreshMargin time.Duration
	// Endpoint is recorded in checkpoints.
	Endpoint     string
	Clock        func() time.Time
	Logger       *slog.Logger
	Checkpointer Checkpointer
	// Dedupe, when set, drops activities whose ids were already delivered.
	Dedupe   *dedupe.Cache
	Observer Observer
}

// Session is one conversation. It is safe for concurrent use; polls are
// serialized.
type Session struct {
	issuer  Issuer
	channel Channel
	opts    Options
	now     func() time.Time
	logger  *slog.Logger

	conversationID string
	user           directline.User
	enhanced       bool
	sent           *dedupe.Cache

	mu        sync.RWMutex
	token     directline.SessionToken
	watermark directline.Watermark
	state     State

	pollMu  sync.Mutex
	refresh singleflight.Group
}

func newSession(issuer Issuer, channel Channel, opts Options) *Session {
	s := &Session{
		issuer:   issuer,
		channel:  channel,
		opts:     opts,
		now:      opts.Clock,
		logger:   opts.Logger,
		user:     opts.User,
		enhanced: opts.EnhancedAuth || opts.IdentityToken != "",
		state:    StateCreated,
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.sent = dedupe.New(sentTTL, sentMaxSize, dedupe.WithClock(s.now))
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "session")
	if s.user.ID == "" {
		s.user.ID = directline.NewUserID()
	}
	return s
}

// Start validates the enhanced-auth binding and issues a session token for
// a new conversation.
func Start(ctx context.Context, issuer Issuer, channel Channel, opts Options) (*Session, error) {
	s := newSession(issuer, channel, opts)
	if err := s.checkEnhancedAuth(); err != nil {
		return nil, err
	}

	tok, err := issuer.Issue(ctx, directline.IssueRequest{
		IdentityToken:  opts.IdentityToken,
		User:           &s.user,
		TrustedOrigins: opts.TrustedOrigins,
	})
	if err != nil {
		return nil, err
	}
	if tok.ConversationID == "" {
		return nil, apierr.New(apierr.KindServiceUnavailable, directline.OpIssue, "no conversation id issued")
	}

	s.conversationID = tok.ConversationID
	s.token = tok
	s.logger = s.logger.With("conversation_id", s.conversationID)
	s.logger.Info("session started", "user_id", s.user.ID, "enhanced", s.enhanced, "token", tok)

	s.saveCheckpoint(ctx, "")
	return s, nil
}

// Resume reconnects to a checkpointed conversation and continues from its
// watermark. The checkpoint's user id is bound unless opts.User sets one.
// Resumed sessions are never enhanced: options asking for enhanced
// authentication fail with a configuration error before any network call.
func Resume(ctx context.Context, rc Reconnector, channel Channel, cp store.Checkpoint, opts Options) (*Session, error) {
	if cp.ConversationID == "" {
		return nil, apierr.New(apierr.KindConfiguration, directline.OpReconnect, "checkpoint has no conversation id")
	}
	if opts.User.ID == "" {
		opts.User.ID = cp.UserID
	}
	if opts.Endpoint == "" {
		opts.Endpoint = cp.Endpoint
	}
	s := newSession(rc, channel, opts)
	if s.enhanced {
		if err := s.checkEnhancedAuth(); err != nil {
			return nil, err
		}
		// Reconnect authenticates with the secret only, so the identity
		// token could not be presented.
		return nil, apierr.New(apierr.KindConfiguration, directline.OpReconnect,
			"enhanced authentication cannot be kept when resuming; start a new conversation instead")
	}

	tok, err := rc.Reconnect(ctx, cp.ConversationID, directline.Watermark(cp.Watermark))
	if err != nil {
		return nil, err
	}
	if tok.ConversationID != cp.ConversationID {
		return nil, apierr.New(apierr.KindBadRequest, directline.OpReconnect,
			fmt.Sprintf("reconnected to conversation %s, want %s", tok.ConversationID, cp.ConversationID))
	}

	s.conversationID = cp.ConversationID
	s.token = tok
	s.watermark = directline.Watermark(cp.Watermark)
	s.logger = s.logger.With("conversation_id", s.conversationID)
	s.logger.Info("session resumed", "user_id", s.user.ID, "watermark", cp.Watermark)
	return s, nil
}

// checkEnhancedAuth enforces the dl_ user id binding before any network call.
func (s *Session) checkEnhancedAuth() error {
	if !s.enhanced {
		return nil
	}
	if s.opts.IdentityToken == "" {
		return apierr.New(apierr.KindConfiguration, directline.OpIssue, "enhanced authentication requires an identity token")
	}
	err := directline.ValidateUserID(s.user.ID)
	if err == nil {
		return nil
	}

	s.logger.Warn("user id lacks the enhanced authentication prefix",
		"user_id", s.user.ID,
		"prefix", directline.UserIDPrefix,
		"allowed", s.opts.AllowUnprefixedUserID,
	)
	if s.opts.AllowUnprefixedUserID {
		return nil
	}
	return err
}

// SendMessage posts a text message as the bound user.
func (s *Session) SendMessage(ctx context.Context, text string) (directline.Receipt, error) {
	if strings.TrimSpace(text) == "" {
		return directline.Receipt{}, apierr.New(apierr.KindBadRequest, directline.OpSend, "message text required")
	}
	tok, _, err := s.current()
	if err != nil {
		return directline.Receipt{}, err
	}

	user := s.user
	msg := directline.Outgoing{Text: text, From: &user}
	receipt, err := s.channel.Send(ctx, s.conversationID, tok, msg)
	if err != nil && isStaleToken(err) {
		var fresh directline.SessionToken
		fresh, err = s.retryAfterRefresh(ctx, tok, err)
		if err != nil {
			return directline.Receipt{}, err
		}
		receipt, err = s.channel.Send(ctx, s.conversationID, fresh, msg)
	}
	if err != nil {
		return directline.Receipt{}, err
	}

	s.markActive()
	if receipt.ID != "" {
		s.sent.Mark(receipt.ID)
	}
	s.logger.Debug("message sent", "activity_id", receipt.ID)
	return receipt, nil
}

// PollNewActivities returns the activities after the stored watermark and
// advances the watermark.
func (s *Session) PollNewActivities(ctx context.Context) ([]directline.Activity, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	tok, watermark, err := s.current()
	if err != nil {
		return nil, err
	}

	set, err := s.channel.Poll(ctx, s.conversationID, tok, watermark)
	if err != nil && isStaleToken(err) {
		var fresh directline.SessionToken
		fresh, err = s.retryAfterRefresh(ctx, tok, err)
		if err != nil {
			return nil, err
		}
		set, err = s.channel.Poll(ctx, s.conversationID, fresh, watermark)
	}
	if err != nil {
		return nil, err
	}

	advanced, err := s.applyPoll(set.Watermark)
	if err != nil {
		return nil, err
	}
	if advanced {
		if s.opts.Observer != nil {
			s.opts.Observer.ObserveWatermarkAdvance()
		}
		s.saveCheckpoint(ctx, set.Watermark)
	}

	activities := set.Activities
	s.checkSenders(activities)
	if s.opts.Dedupe != nil {
		before := len(activities)
		activities = dedupe.Filter(s.opts.Dedupe, activities, func(a directline.Activity) string { return a.ID })
		if dropped := before - len(activities); dropped > 0 {
			s.logger.Warn("dropped duplicate activities", "count", dropped)
		}
	}
	if s.opts.Observer != nil {
		for _, a := range activities {
			s.opts.Observer.ObserveActivity(a.Type.Kind().String())
		}
	}

	s.logger.Debug("polled", "count", len(activities), "watermark", string(set.Watermark))
	return activities, nil
}

// checkSenders flags echoes of our own sends that arrive under another
// sender id.
func (s *Session) checkSenders(activities []directline.Activity) {
	for _, a := range activities {
		if !s.IsSenderMismatch(a) {
			continue
		}
		s.logger.Warn("echo of a sent message has an unexpected sender",
			"activity_id", a.ID,
			"user_id", s.user.ID,
			"from_id", a.From.ID,
		)
		if s.opts.Observer != nil {
			s.opts.Observer.ObserveSenderMismatch()
		}
	}
}

// applyPoll records a successful poll. An empty watermark leaves the cursor
// unchanged.
func (s *Session) applyPoll(next directline.Watermark) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stateErrLocked(); err != nil {
		return false, err
	}
	if s.state == StateCreated {
		s.state = StateActive
	}
	if next == "" || next == s.watermark {
		return false, nil
	}
	s.watermark = next
	return true, nil
}

// EnsureFresh refreshes the token when its remaining lifetime is below the
// refresh margin and reports whether it did.
func (s *Session) EnsureFresh(ctx context.Context) (bool, error) {
	tok, _, err := s.current()
	if err != nil {
		return false, err
	}

	margin := s.opts.RefreshMargin
	if margin <= 0 {
		margin = directline.RefreshMargin(tok.ExpiresIn)
	}
	if tok.Remaining(s.now()) >= margin {
		return false, nil
	}

	s.logger.Debug("token near expiry", "remaining", tok.Remaining(s.now()), "margin", margin)
	if _, err := s.refreshFrom(ctx, tok); err != nil {
		return false, err
	}
	return true, nil
}

// Refresh replaces the session token unconditionally.
func (s *Session) Refresh(ctx context.Context) error {
	tok, _, err := s.current()
	if err != nil {
		return err
	}
	_, err = s.refreshFrom(ctx, tok)
	return err
}

// retryAfterRefresh refreshes after a stale-token failure. When the refresh
// fails the returned error matches both cause and the refresh error, and
// carries the refresh error's kind so a transient refresh failure stays
// retryable.
func (s *Session) retryAfterRefresh(ctx context.Context, stale directline.SessionToken, cause error) (directline.SessionToken, error) {
	s.logger.Info("token rejected, refreshing once", "error", cause)
	fresh, err := s.refreshFrom(ctx, stale)
	if err != nil {
		return directline.SessionToken{}, errors.Join(err, cause)
	}
	return fresh, nil
}

// refreshFrom replaces stale with a refreshed token. Concurrent callers share
// one network call; a caller whose stale token was already replaced gets the
// current token without a call.
func (s *Session) refreshFrom(ctx context.Context, stale directline.SessionToken) (directline.SessionToken, error) {
	v, err, _ := s.refresh.Do("refresh", func() (any, error) {
		cur, _, err := s.current()
		if err != nil {
			return nil, err
		}
		if cur.Token != stale.Token {
			s.observeRefresh(refreshSkipped)
			return cur, nil
		}

		fresh, err := s.issuer.Refresh(ctx, cur)
		if err != nil {
			s.refreshFailed(err)
			return nil, err
		}
		if fresh.ConversationID != s.conversationID {
			s.observeRefresh(refreshFailed)
			return nil, apierr.New(apierr.KindBadRequest, directline.OpRefresh, "refreshed token is for another conversation")
		}

		s.mu.Lock()
		if err := s.stateErrLocked(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.token = fresh
		s.mu.Unlock()

		s.observeRefresh(refreshOK)
		s.logger.Info("token refreshed", "token", fresh)
		return fresh, nil
	})
	if err != nil {
		return directline.SessionToken{}, err
	}
	return v.(directline.SessionToken), nil
}

// refreshFailed moves the session to Expired when the service refuses the
// refresh for good.
func (s *Session) refreshFailed(err error) {
	switch apierr.KindOf(err) {
	case apierr.KindTokenExpired, apierr.KindConversationNotFound:
		s.mu.Lock()
		if s.state != StateClosed {
			s.state = StateExpired
		}
		s.mu.Unlock()
		s.observeRefresh(refreshExpired)
		s.logger.Warn("session expired", "error", err)
	default:
		s.observeRefresh(refreshFailed)
		s.logger.Warn("token refresh failed", "error", err)
	}
}

// Close ends the session locally. The service expires the conversation on
// its own.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = StateClosed
		s.logger.Info("session closed")
	}
}

// IsOwnEcho reports whether a was sent by the bound user. Only the exact id
// is compared.
func (s *Session) IsOwnEcho(a directline.Activity) bool {
	return a.From.ID != "" && a.From.ID == s.user.ID
}

// IsSenderMismatch reports whether a carries the id of a message this
// session sent but names a different sender. An absent sender id is not a
// mismatch.
func (s *Session) IsSenderMismatch(a directline.Activity) bool {
	if a.ID == "" || a.From.ID == "" || a.From.ID == s.user.ID {
		return false
	}
	return s.sent.Check(a.ID)
}

// SplitEchoes separates the bound user's own activities from the rest,
// preserving order.
func (s *Session) SplitEchoes(activities []directline.Activity) (own, others []directline.Activity) {
	for _, a := range activities {
		if s.IsOwnEcho(a) {
			own = append(own, a)
		} else {
			others = append(others, a)
		}
	}
	return own, others
}

// ConversationID returns the conversation the session is bound to.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// User returns the bound user.
func (s *Session) User() directline.User {
	return s.user
}

// Enhanced reports whether the session was started with enhanced
// authentication.
func (s *Session) Enhanced() bool {
	return s.enhanced
}

// Watermark returns the last consumed watermark.
func (s *Session) Watermark() directline.Watermark {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ExpiresAt returns the expiry of the current session token.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.ExpiresAt()
}

// current reads the token and watermark, failing on a terminal session.
func (s *Session) current() (directline.SessionToken, directline.Watermark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.stateErrLocked(); err != nil {
		return directline.SessionToken{}, "", err
	}
	return s.token, s.watermark, nil
}

func (s *Session) stateErrLocked() error {
	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateExpired:
		return ErrSessionExpired
	default:
		return nil
	}
}

func (s *Session) markActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCreated {
		s.state = StateActive
	}
}

func (s *Session) observeRefresh(result string) {
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveRefresh(result)
	}
}

// saveCheckpoint records the resume position. Failures are logged only.
func (s *Session) saveCheckpoint(ctx context.Context, watermark directline.Watermark) {
	if s.opts.Checkpointer == nil {
		return
	}
	cp := &store.Checkpoint{
		ConversationID: s.conversationID,
		UserID:         s.user.ID,
		Endpoint:       s.opts.Endpoint,
		Watermark:      string(watermark),
		UpdatedAt:      s.now(),
	}
	if err := s.opts.Checkpointer.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		s.logger.Warn("saving checkpoint failed", "error", err)
	}
}

// isStaleToken reports whether err means the session token was not accepted.
func isStaleToken(err error) bool {
	return errors.Is(err, apierr.ErrUnauthorized) || errors.Is(err, apierr.ErrTokenExpired)
}
