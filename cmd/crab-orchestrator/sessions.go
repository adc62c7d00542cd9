package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-orchestrator/internal/config"
	"crabstack.local/projects/crab-orchestrator/internal/ledger"
	"crabstack.local/projects/crab-orchestrator/internal/session"
)

type storedSession struct {
	Session session.SessionRecord `json:"session"`
	Turns   []session.TurnRecord  `json:"turns"`
	Ledger  []ledger.Node         `json:"ledger"`
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}

	var limit int
	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session record with its turns and ledger as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.OrchestratorFromYAMLAndEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := session.NewGormStore(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("open session store: %w", err)
			}
			defer store.Close()
			return showSession(cmd.Context(), store, args[0], limit, cmd.OutOrStdout())
		},
	}
	show.Flags().IntVar(&limit, "limit", session.DefaultHistoryLimit, "maximum number of turns to print")
	cmd.AddCommand(show)
	return cmd
}

func showSession(ctx context.Context, store session.Store, sessionID string, limit int, out io.Writer) error {
	if limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", limit)
	}
	record, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session %s: %w", sessionID, err)
	}
	turns, err := store.GetTurns(ctx, sessionID, limit)
	if err != nil {
		return fmt.Errorf("get turns: %w", err)
	}
	nodes, err := store.GetLedgerNodes(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get ledger: %w", err)
	}
	view := storedSession{Session: record, Turns: turns, Ledger: nodes}
	if view.Turns == nil {
		view.Turns = []session.TurnRecord{}
	}
	if view.Ledger == nil {
		view.Ledger = []ledger.Node{}
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(view)
}
