package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolgate/internal/approval"
	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// =============================================================================
// Validation Command Handlers
// =============================================================================

// decision applies one human decision through the gate.
type decision func(ctx context.Context, gate *approval.Gate, id, userID string) (*models.Validation, error)

func approveDecision(alwaysAllow bool) decision {
	return func(ctx context.Context, gate *approval.Gate, id, userID string) (*models.Validation, error) {
		return gate.Approve(ctx, id, userID, alwaysAllow)
	}
}

func rejectDecision(reason string) decision {
	return func(ctx context.Context, gate *approval.Gate, id, userID string) (*models.Validation, error) {
		return gate.Reject(ctx, id, userID, reason)
	}
}

func feedbackDecision(text string) decision {
	return func(ctx context.Context, gate *approval.Gate, id, userID string) (*models.Validation, error) {
		return gate.Feedback(ctx, id, userID, text)
	}
}

// openOfflineApp wires the gate against the persistent store. Decisions
// recorded in memory would vanish with the process, so the memory driver
// is refused.
func openOfflineApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == "memory" {
		return nil, fmt.Errorf("validations commands need a postgres or sqlite database (driver is %q)", cfg.Database.Driver)
	}
	return newApp(ctx, offlineConfig(cfg), slog.Default(), nil, nil)
}

// offlineConfig keeps the shell commands from migrating the schema behind
// the operator's back.
func offlineConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Database.AutoMigrate = false
	return &out
}

// runValidationsList handles the validations list command.
func runValidationsList(cmd *cobra.Command, configPath, userID string, limit int, asJSON bool) error {
	a, err := openOfflineApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	pending, err := a.gate.ListPending(cmd.Context(), userID, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(pending)
	}
	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending validations.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOOL\tSERVER\tSOURCE\tCREATED\tEXPIRES")
	for _, v := range pending {
		expires := "-"
		if v.ExpiresAt != nil {
			expires = v.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			v.ID, v.ToolName, v.ServerID, v.Source, v.CreatedAt.Format(time.RFC3339), expires)
	}
	return tw.Flush()
}

// runValidationDecision applies decide and waits for any background resume
// it started before returning.
func runValidationDecision(cmd *cobra.Command, configPath, userID, id string, decide decision) error {
	a, err := openOfflineApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := decide(cmd.Context(), a.gate, id, userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Validation %s %s (%s on %s)\n", v.ID, v.Status, v.ToolName, v.ServerID)
	return nil
}
