// ABOUTME: token subcommand: prints an identity token or a generated Direct Line token
// ABOUTME: Output is JSON so it can be piped into other tools

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/2389/coven-directline/internal/directline"
)

type tokenOutput struct {
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expires_at"`
	ConversationID string    `json:"conversation_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Account        string    `json:"account,omitempty"`
	Scopes         []string  `json:"scopes,omitempty"`
}

func runToken(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	dl := fs.Bool("directline", false, "Generate a Direct Line token instead of an identity token")
	userID := fs.String("user", "", "User id to bind to a generated Direct Line token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, *configPath)
	if err != nil {
		return err
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

	var out tokenOutput
	if *dl {
		req := directline.IssueRequest{TrustedOrigins: cfg.Session.TrustedOrigins}
		if *userID != "" {
			req.User = &directline.User{ID: *userID}
		}
		tok, err := a.dl.GenerateToken(ctx, req)
		if err != nil {
			return err
		}
		out = tokenOutput{Token: tok.Token, ExpiresAt: tok.ExpiresAt(), ConversationID: tok.ConversationID, UserID: *userID}
	} else {
		if a.provider == nil {
			return errors.New("identity.client_id is not configured")
		}
		tok, err := a.identityToken(ctx)
		if err != nil {
			return err
		}
		out = tokenOutput{Token: tok.Value, ExpiresAt: tok.ExpiresAt(), Account: tok.Account.String(), Scopes: tok.Scopes}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("writing token: %w", err)
	}
	return nil
}
