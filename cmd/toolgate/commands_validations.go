package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Validation Commands
// =============================================================================

// buildValidationsCmd creates the "validations" command group for deciding
// pending tool calls from the shell.
func buildValidationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "validations",
		Aliases: []string{"validation", "approvals"},
		Short:   "Review pending tool calls",
		Long: `List and decide tool calls that are waiting for human approval.

These commands work directly against the configured SQL database. A decision
reaches a stream running on any server instance when sessions.redis_url is
set; otherwise the conversation or execution is resumed by this command.`,
	}

	cmd.AddCommand(
		buildValidationsListCmd(),
		buildValidationsApproveCmd(),
		buildValidationsRejectCmd(),
		buildValidationsFeedbackCmd(),
	)
	return cmd
}

func buildValidationsListCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		limit      int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending validations for a user",
		Example: `  toolgate validations list --user u1
  toolgate validations list --user u1 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidationsList(cmd, configPath, userID, limit, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User whose validations to list")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of validations")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func buildValidationsApproveCmd() *cobra.Command {
	var (
		configPath  string
		userID      string
		alwaysAllow bool
	)

	cmd := &cobra.Command{
		Use:   "approve <validation-id>",
		Short: "Approve a pending tool call and run it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidationDecision(cmd, configPath, userID, args[0], approveDecision(alwaysAllow))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User that owns the validation")
	cmd.Flags().BoolVar(&alwaysAllow, "always-allow", false, "Record that this tool may always run for the user")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func buildValidationsRejectCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "reject <validation-id>",
		Short: "Reject a pending tool call",
		Long: `Reject a pending tool call. Every other pending call in the same chat is
cancelled and the conversation stops.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidationDecision(cmd, configPath, userID, args[0], rejectDecision(reason))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User that owns the validation")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason shown to the model")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func buildValidationsFeedbackCmd() *cobra.Command {
	var (
		configPath string
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "feedback <validation-id> <text>",
		Short: "Answer a pending tool call with feedback instead of running it",
		Example: `  toolgate validations feedback 6f1c... "search the 2024 archive instead" --user u1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidationDecision(cmd, configPath, userID, args[0], feedbackDecision(args[1]))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User that owns the validation")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
