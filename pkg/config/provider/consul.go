package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/consul/api"
)

const consulWaitTime = 5 * time.Minute

// ConsulProvider reads config from a Consul KV entry and watches it with
// blocking queries.
type ConsulProvider struct {
	kv  *api.KV
	key string
}

var _ Provider = (*ConsulProvider)(nil)

// NewConsulProvider creates a client for the first endpoint, or the
// agent default when none is given.
func NewConsulProvider(endpoints []string, key string) (*ConsulProvider, error) {
	cfg := api.DefaultConfig()
	if len(endpoints) > 0 {
		cfg.Address = endpoints[0]
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return &ConsulProvider{kv: client.KV(), key: key}, nil
}

func (p *ConsulProvider) Type() Type {
	return TypeConsul
}

func (p *ConsulProvider) get(ctx context.Context, waitIndex uint64) (*api.KVPair, uint64, error) {
	opts := (&api.QueryOptions{WaitIndex: waitIndex, WaitTime: consulWaitTime}).WithContext(ctx)
	pair, meta, err := p.kv.Get(p.key, opts)
	if err != nil {
		return nil, 0, err
	}
	return pair, meta.LastIndex, nil
}

func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	pair, _, err := p.get(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read consul key %s: %w", p.key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key %s not found", p.key)
	}
	return pair.Value, nil
}

func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	_, index, err := p.get(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read consul key %s: %w", p.key, err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		backoff := time.Second
		for ctx.Err() == nil {
			_, next, err := p.get(ctx, index)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("consul watch error", "key", p.key, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, time.Minute)
				continue
			}
			backoff = time.Second
			// index going backwards means the raft state was reset
			if next < index {
				index = 0
				continue
			}
			if next != index {
				index = next
				signal(ch)
			}
		}
	}()

	slog.Info("Watching consul key", "key", p.key)
	return ch, nil
}

func (p *ConsulProvider) Close() error {
	return nil
}
