// ABOUTME: checkpoints subcommand: lists or deletes saved conversation positions
// ABOUTME: Reads the SQLite store configured at store.path

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-directline/internal/store"
)

func runCheckpoints(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path")
	limit := fs.Int("limit", 20, "Maximum checkpoints to list (0 for all)")
	del := fs.String("delete", "", "Delete the checkpoint for this conversation id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, *configPath)
	if err != nil {
		return err
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path is not configured")
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	defer st.Close()

	if *del != "" {
		if err := st.DeleteCheckpoint(ctx, *del); err != nil {
			return err
		}
		color.New(color.FgGreen).Print("✓ ")
		fmt.Printf("Deleted checkpoint %s\n", *del)
		return nil
	}

	cps, err := st.ListCheckpoints(ctx, *limit)
	if err != nil {
		return err
	}
	if len(cps) == 0 {
		fmt.Println("No saved conversations")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONVERSATION\tUSER\tWATERMARK\tUPDATED")
	for _, cp := range cps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cp.ConversationID, cp.UserID, cp.Watermark, cp.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}
