package coordinator

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"OpenSwarm-Core/internal/broker"
	"OpenSwarm-Core/internal/bus"
	"OpenSwarm-Core/internal/consensus"
	"OpenSwarm-Core/internal/registry"
	"OpenSwarm-Core/internal/trust"
)

func newTestCoordinator(opts ...Option) *Coordinator {
	eventBus := bus.New()
	reg := registry.New(registry.WithEventSink(eventBus))
	network := trust.NewNetwork(trust.WithDirectory(reg), trust.WithEventSink(eventBus))
	engine := consensus.NewEngine(reg, consensus.WithEventSink(eventBus))
	brk := broker.New(reg, broker.WithTrustFeed(network), broker.WithEventSink(eventBus))
	return New(eventBus, reg, network, engine, brk, opts...)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator()
	defer coord.Bus().Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- coord.Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		if !stdErrors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop on cancel")
	}
}

func TestRunSweepsStaleAgentsAndProposals(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(WithPrune(20*time.Millisecond, time.Minute))
	defer coord.Bus().Close()

	stale := registry.Agent{
		ID:             "stale-1",
		Capabilities:   []string{"db.query"},
		Health:         1,
		Reliability:    1,
		MaxConcurrency: 1,
		LastSeen:       time.Now().Add(-time.Hour).Unix(),
	}
	if err := coord.Registry().Register(stale); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	fresh := stale
	fresh.ID = "fresh-1"
	fresh.LastSeen = 0
	if err := coord.Registry().Register(fresh); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	proposal, err := coord.Consensus().Propose("upgrade", "fresh-1", consensus.RuleSimpleMajority, time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = coord.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if !coord.Registry().Known("stale-1") {
			status, err := coord.Consensus().Status(proposal.ID)
			if err != nil {
				t.Fatalf("status failed: %v", err)
			}
			if status.Status == consensus.StatusTimedOut {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweep did not prune the stale agent or time out the proposal")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !coord.Registry().Known("fresh-1") {
		t.Fatalf("fresh agent must survive the sweep")
	}
}
