package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/gateway"
)

// runModels handles the models command.
func runModels(cmd *cobra.Command, configPath string, asJSON bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	registry, err := gateway.NewRegistry(cmd.Context(), gateway.RegistryConfig{
		Specs:   providerSpecs(cfg.LLM),
		Rules:   prefixRules(cfg.LLM),
		Breaker: breakerConfig(cfg.LLM.Circuit),
	}, nil, nil, slog.Default())
	if err != nil {
		return fmt.Errorf("configure providers: %w", err)
	}

	list := registry.ListModels(cmd.Context())
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No models available. Configure a provider API key under llm.providers.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tMODEL\tTOOLS")
	for _, m := range list {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", m.Provider, m.ID, m.SupportsTools)
	}
	return tw.Flush()
}

// runConfigValidate handles the config validate command.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path := resolveConfigPath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("%s is invalid:\n%w", path, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s is valid (version %d)\n", path, cfg.Version)
	fmt.Fprintf(out, "  database:   %s\n", cfg.Database.Driver)
	fmt.Fprintf(out, "  providers:  %d\n", len(cfg.LLM.Providers))
	fmt.Fprintf(out, "  tools:      %d servers\n", len(cfg.Tools.Servers))
	fmt.Fprintf(out, "  permission: %s\n", cfg.Validation.DefaultPermission)
	return nil
}

// runConfigSchema handles the config schema command.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}
