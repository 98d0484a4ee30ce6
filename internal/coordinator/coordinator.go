package coordinator

import (
	"context"
	"time"

	"OpenSwarm-Core/internal/broker"
	"OpenSwarm-Core/internal/bus"
	"OpenSwarm-Core/internal/consensus"
	"OpenSwarm-Core/internal/registry"
	"OpenSwarm-Core/internal/trust"
)

// Coordinator 将协调核心的五个组件组装为一个可运行的整体，
// 并负责驱动需要周期性推进的后台清理。
type Coordinator struct {
	bus      *bus.Bus
	registry *registry.Registry
	trust    *trust.Network
	engine   *consensus.Engine
	broker   *broker.Broker

	pruneInterval time.Duration
	pruneMaxAge   time.Duration
}

// Option 定义协调器的可选配置。
type Option func(*Coordinator)

// WithPrune 配置心跳清理的周期与判定阈值。
func WithPrune(interval, maxAge time.Duration) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.pruneInterval = interval
		}
		if maxAge > 0 {
			c.pruneMaxAge = maxAge
		}
	}
}

// New 组装协调器。各组件之间的事件与信任依赖由调用方在构造时挂接。
func New(eventBus *bus.Bus, reg *registry.Registry, network *trust.Network,
	engine *consensus.Engine, brk *broker.Broker, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:           eventBus,
		registry:      reg,
		trust:         network,
		engine:        engine,
		broker:        brk,
		pruneInterval: 30 * time.Second,
		pruneMaxAge:   5 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Bus 返回事件总线。
func (c *Coordinator) Bus() *bus.Bus { return c.bus }

// Registry 返回智能体注册表。
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Trust 返回信任网络。
func (c *Coordinator) Trust() *trust.Network { return c.trust }

// Consensus 返回共识引擎。
func (c *Coordinator) Consensus() *consensus.Engine { return c.engine }

// Broker 返回命令路由器。
func (c *Coordinator) Broker() *broker.Broker { return c.broker }

// Run 启动后台清理循环并阻塞到 ctx 取消。
// 提案状态采用惰性求值，定期触发一次 Status 让超时提案及时公告。
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.registry.PruneStale(c.pruneMaxAge)
			c.sweepProposals()
		}
	}
}

func (c *Coordinator) sweepProposals() {
	for _, proposal := range c.engine.List() {
		if proposal.Status != consensus.StatusOpen {
			continue
		}
		_, _ = c.engine.Status(proposal.ID)
	}
}
