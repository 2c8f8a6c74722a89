package main

import (
	"context"
	"fmt"
	"time"

	"github.com/davel-ai/gateway/pkg/coordination"
	"github.com/davel-ai/gateway/pkg/logger"
	"github.com/davel-ai/gateway/pkg/quota"
)

// QuotaCmd groups quota administration.
type QuotaCmd struct {
	Reset QuotaResetCmd `cmd:"" help:"Delete every quota counter of an identifier."`
}

// QuotaResetCmd resets counters directly in the coordination store.
type QuotaResetCmd struct {
	Identifier string        `arg:"" help:"Address, session id or endpoint whose counters are removed."`
	Timeout    time.Duration `help:"Overall timeout." default:"30s"`
}

func (c *QuotaResetCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	cfg, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	store, err := coordination.NewFromConfig(cfg.Store, logger.GetLogger(), nil)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("coordination store unreachable: %w", err)
	}

	svc, err := quota.NewServiceFromConfig(store, cfg.Quota)
	if err != nil {
		return err
	}
	deleted, err := svc.Reset(ctx, c.Identifier)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d counter(s) for %q\n", deleted, c.Identifier)
	return nil
}
