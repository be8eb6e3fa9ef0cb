package main

import (
	"fmt"

	"github.com/ent0n29/memories/internal/config"
	"github.com/ent0n29/memories/internal/observability"
	"github.com/ent0n29/memories/internal/queue"
	"github.com/ent0n29/memories/internal/remote"
	"github.com/ent0n29/memories/internal/syncer"
)

// agent bundles what every subcommand needs: the durable queue and the
// engine that drains it.
type agent struct {
	cfg     config.AgentConfig
	store   queue.Store
	engine  *syncer.Engine
	metrics *observability.Metrics
}

func openAgent() (*agent, error) {
	cfg, err := config.LoadAgent()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	store, err := queue.NewStore(cfg.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("queue init failed: %w", err)
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	engine := syncer.NewEngine(
		store,
		remote.NewClient(cfg.ServerURL, cfg.SaveTimeout),
		remote.NewHealthProbe(cfg.ServerURL, cfg.ProbeTimeout),
		syncer.Config{
			MaxAttempts:   cfg.SyncMaxAttempts,
			BackoffBase:   cfg.SyncBackoffBase,
			BackoffCap:    cfg.SyncBackoffCap,
			Interval:      cfg.SyncInterval,
			ProbeInterval: cfg.ProbeInterval,
		},
		metrics,
	)
	return &agent{cfg: cfg, store: store, engine: engine, metrics: metrics}, nil
}

func (a *agent) Close() error {
	return a.store.Close()
}
