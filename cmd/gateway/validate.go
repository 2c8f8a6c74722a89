package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/davel-ai/gateway/pkg/config"
	"github.com/davel-ai/gateway/pkg/quota"
)

// ValidateCmd loads and validates the configuration.
type ValidateCmd struct {
	Format string `short:"f" help:"Output format: compact, verbose, json." default:"compact" enum:"compact,verbose,json"`
}

type validationResult struct {
	Valid  bool   `json:"valid"`
	Source string `json:"source,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, loader, err := loadConfig(ctx, cli)
	if loader != nil {
		defer loader.Close()
	}
	if err == nil {
		err = quota.RulesFromConfig(cfg.Quota).Validate()
	}

	res := validationResult{Valid: err == nil, Source: cli.Config}
	if err != nil {
		res.Error = err.Error()
	}

	switch c.Format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
	case "verbose":
		if err != nil {
			fmt.Printf("Configuration %q is invalid:\n  %v\n", cli.Config, err)
		} else {
			fmt.Printf("Configuration %q is valid\n", cli.Config)
			printSummary(cfg)
		}
	default:
		if err != nil {
			fmt.Printf("invalid: %v\n", err)
		} else {
			fmt.Println("valid")
		}
	}

	if err != nil {
		return fmt.Errorf("validation failed")
	}
	return nil
}

func printSummary(cfg *config.Config) {
	fmt.Printf("  Listen:     %s\n", cfg.Server.Address())
	fmt.Printf("  Store:      %s %s\n", cfg.Store.Backend, cfg.Store.Redis.Addr)
	fmt.Printf("  Inference:  %s %s (timeout %s)\n", cfg.Inference.Target, cfg.Inference.Method, cfg.Inference.Timeout)
	fmt.Printf("  Sessions:   ttl %s, %d per address\n", cfg.Sessions.TTL, cfg.Sessions.MaxPerAddress)
	fmt.Printf("  Channels:   chat=%s logs=%s\n", cfg.Channels.Chat, cfg.Channels.Logs)
	if !cfg.Quota.IsEnabled() {
		fmt.Println("  Quotas:     disabled")
		return
	}
	for name, rule := range cfg.Quota.Rules() {
		if rule.IsEnabled() {
			fmt.Printf("  Quota %-11s %d per %s\n", name+":", rule.Max, rule.Window)
		}
	}
}
