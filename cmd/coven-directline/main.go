// ABOUTME: Entry point for the coven-directline command-line client
// ABOUTME: Dispatches chat, token and checkpoints subcommands

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-directline/internal/config"
	"github.com/2389/coven-directline/internal/secrets"
)

// version is overridden with -ldflags at build time.
var version = "dev"

func usage() {
	fmt.Println("Usage: coven-directline <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  chat          Chat with the bot (interactive, or -m for one message)")
	fmt.Println("  token         Acquire an identity token or generate a Direct Line token")
	fmt.Println("  checkpoints   List or delete saved conversation checkpoints")
	fmt.Println("  version       Print the version")
	fmt.Println()
	fmt.Println("Configuration is read from -config, COVEN_DIRECTLINE_CONFIG, ./directline.yaml,")
	fmt.Println("~/.config/coven/directline.yaml, or the environment (.env is loaded first).")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env is fine
	_ = godotenv.Load(".env")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "chat":
		err = runChat(ctx, os.Args[2:])
	case "token":
		err = runToken(ctx, os.Args[2:])
	case "checkpoints":
		err = runCheckpoints(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, or the environment when there is none,
// and resolves ssm: secret references.
func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultPath()
	}

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	} else {
		cfg, err = config.FromEnv()
		if err != nil {
			return nil, fmt.Errorf("loading config from environment: %w", err)
		}
	}

	if cfg.HasSecretRefs() {
		resolver, err := secrets.NewFromEnvironment(ctx, os.Getenv("AWS_REGION"))
		if err != nil {
			return nil, err
		}
		if err := cfg.ResolveSecrets(ctx, resolver); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}
