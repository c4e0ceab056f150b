// ABOUTME: Minimal fake Direct Line service for E2E testing, echoes messages with markdown.
// ABOUTME: Usage: fake-directline [-addr 127.0.0.1:8081] [-secret s] [-greeting "Hi"]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/2389/coven-directline/internal/directline/directlinetest"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8081", "Listen address")
	secret := flag.String("secret", "fake-directline-secret", "Direct Line secret clients must present")
	greeting := flag.String("greeting", "Hello! Ask me anything, or say \"markdown\".", "Greeting posted when a conversation starts")
	lifetime := flag.Duration("lifetime", 30*time.Minute, "Issued token lifetime")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := run(*addr, *secret, *greeting, *lifetime, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, secret, greeting string, lifetime time.Duration, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	svc := directlinetest.NewService(directlinetest.Options{
		Secret:        secret,
		TokenLifetime: lifetime,
		Greeting:      greeting,
		BotReply:      echoReply,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           svc,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("fake direct line listening", "addr", addr, "token_lifetime", lifetime)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
