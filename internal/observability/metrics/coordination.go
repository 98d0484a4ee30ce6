package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type routeKey struct {
	capability string
	strategy   string
	result     string
}

type commandKey struct {
	capability string
	outcome    string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type proposalKey struct {
	rule   string
	status string
}

type collector struct {
	mu        sync.Mutex
	routes    map[routeKey]uint64
	commands  map[commandKey]uint64
	duration  map[commandKey]*histogram
	events    map[string]uint64
	drops     map[string]uint64
	proposals map[proposalKey]uint64
	trust     map[string]uint64
}

var coordCollector = &collector{
	routes:    make(map[routeKey]uint64),
	commands:  make(map[commandKey]uint64),
	duration:  make(map[commandKey]*histogram),
	events:    make(map[string]uint64),
	drops:     make(map[string]uint64),
	proposals: make(map[proposalKey]uint64),
	trust:     make(map[string]uint64),
}

// RecordRoute counts one routing attempt and its result.
func RecordRoute(capability, strategy, result string) {
	coordCollector.recordRoute(capability, strategy, result)
}

// ObserveCommand records the completion of a routed command.
func ObserveCommand(capability, outcome string, duration time.Duration) {
	coordCollector.observeCommand(capability, outcome, duration)
}

// RecordEvent counts one event published on the bus.
func RecordEvent(eventType string) {
	coordCollector.mu.Lock()
	defer coordCollector.mu.Unlock()
	coordCollector.events[eventType]++
}

// RecordEventDropped counts one event dropped because a subscriber's
// buffer was full.
func RecordEventDropped(subscriber string) {
	coordCollector.mu.Lock()
	defer coordCollector.mu.Unlock()
	coordCollector.drops[subscriber]++
}

// RecordProposal counts one consensus proposal reaching a terminal status.
func RecordProposal(rule, status string) {
	coordCollector.mu.Lock()
	defer coordCollector.mu.Unlock()
	coordCollector.proposals[proposalKey{rule: rule, status: status}]++
}

// RecordTrustObservation counts one trust observation by outcome kind.
func RecordTrustObservation(kind string) {
	coordCollector.mu.Lock()
	defer coordCollector.mu.Unlock()
	coordCollector.trust[kind]++
}

func (c *collector) recordRoute(capability, strategy, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[routeKey{capability: capability, strategy: strategy, result: result}]++
}

func (c *collector) observeCommand(capability, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := commandKey{capability: capability, outcome: outcome}
	c.commands[key]++

	hist := c.duration[key]
	if hist == nil {
		hist = newHistogram()
		c.duration[key] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// Values above the last bucket only count toward +Inf via h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, coordCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type routeMetric struct {
		routeKey
		value uint64
	}
	type commandMetric struct {
		commandKey
		value uint64
	}
	type durationMetric struct {
		commandKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	type labeledCount struct {
		label string
		value uint64
	}
	type proposalMetric struct {
		proposalKey
		value uint64
	}

	routes := make([]routeMetric, 0, len(c.routes))
	for key, value := range c.routes {
		routes = append(routes, routeMetric{routeKey: key, value: value})
	}
	commands := make([]commandMetric, 0, len(c.commands))
	for key, value := range c.commands {
		commands = append(commands, commandMetric{commandKey: key, value: value})
	}
	durations := make([]durationMetric, 0, len(c.duration))
	for key, hist := range c.duration {
		durations = append(durations, durationMetric{
			commandKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}

	events := make([]labeledCount, 0, len(c.events))
	for label, value := range c.events {
		events = append(events, labeledCount{label: label, value: value})
	}
	drops := make([]labeledCount, 0, len(c.drops))
	for label, value := range c.drops {
		drops = append(drops, labeledCount{label: label, value: value})
	}
	trustObs := make([]labeledCount, 0, len(c.trust))
	for label, value := range c.trust {
		trustObs = append(trustObs, labeledCount{label: label, value: value})
	}
	proposals := make([]proposalMetric, 0, len(c.proposals))
	for key, value := range c.proposals {
		proposals = append(proposals, proposalMetric{proposalKey: key, value: value})
	}

	sort.Slice(events, func(i, j int) bool { return events[i].label < events[j].label })
	sort.Slice(drops, func(i, j int) bool { return drops[i].label < drops[j].label })
	sort.Slice(trustObs, func(i, j int) bool { return trustObs[i].label < trustObs[j].label })
	sort.Slice(proposals, func(i, j int) bool {
		if proposals[i].rule == proposals[j].rule {
			return proposals[i].status < proposals[j].status
		}
		return proposals[i].rule < proposals[j].rule
	})
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].capability == routes[j].capability {
			if routes[i].strategy == routes[j].strategy {
				return routes[i].result < routes[j].result
			}
			return routes[i].strategy < routes[j].strategy
		}
		return routes[i].capability < routes[j].capability
	})
	sort.Slice(commands, func(i, j int) bool {
		if commands[i].capability == commands[j].capability {
			return commands[i].outcome < commands[j].outcome
		}
		return commands[i].capability < commands[j].capability
	})
	sort.Slice(durations, func(i, j int) bool {
		if durations[i].capability == durations[j].capability {
			return durations[i].outcome < durations[j].outcome
		}
		return durations[i].capability < durations[j].capability
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP openswarm_events_total Total number of events published on the bus.\n")
	builder.WriteString("# TYPE openswarm_events_total counter\n")
	for _, metric := range events {
		builder.WriteString(fmt.Sprintf("openswarm_events_total{type=\"%s\"} %d\n",
			escape(metric.label), metric.value))
	}

	builder.WriteString("# HELP openswarm_events_dropped_total Total number of events dropped on full subscriber buffers.\n")
	builder.WriteString("# TYPE openswarm_events_dropped_total counter\n")
	for _, metric := range drops {
		builder.WriteString(fmt.Sprintf("openswarm_events_dropped_total{subscriber=\"%s\"} %d\n",
			escape(metric.label), metric.value))
	}

	builder.WriteString("# HELP openswarm_proposals_total Total number of consensus proposals by terminal status.\n")
	builder.WriteString("# TYPE openswarm_proposals_total counter\n")
	for _, metric := range proposals {
		builder.WriteString(fmt.Sprintf("openswarm_proposals_total{rule=\"%s\",status=\"%s\"} %d\n",
			escape(metric.rule), escape(metric.status), metric.value))
	}

	builder.WriteString("# HELP openswarm_trust_observations_total Total number of trust observations by outcome.\n")
	builder.WriteString("# TYPE openswarm_trust_observations_total counter\n")
	for _, metric := range trustObs {
		builder.WriteString(fmt.Sprintf("openswarm_trust_observations_total{kind=\"%s\"} %d\n",
			escape(metric.label), metric.value))
	}

	builder.WriteString("# HELP openswarm_routes_total Total number of routing attempts.\n")
	builder.WriteString("# TYPE openswarm_routes_total counter\n")
	for _, metric := range routes {
		builder.WriteString(fmt.Sprintf("openswarm_routes_total{capability=\"%s\",strategy=\"%s\",result=\"%s\"} %d\n",
			escape(metric.capability), escape(metric.strategy), escape(metric.result), metric.value))
	}

	builder.WriteString("# HELP openswarm_commands_total Total number of completed command sessions.\n")
	builder.WriteString("# TYPE openswarm_commands_total counter\n")
	for _, metric := range commands {
		builder.WriteString(fmt.Sprintf("openswarm_commands_total{capability=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.capability), escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP openswarm_command_duration_seconds Command session duration in seconds.\n")
	builder.WriteString("# TYPE openswarm_command_duration_seconds histogram\n")
	for _, metric := range durations {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("openswarm_command_duration_seconds_bucket{capability=\"%s\",outcome=\"%s\",le=\"%s\"} %d\n",
				escape(metric.capability), escape(metric.outcome), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("openswarm_command_duration_seconds_bucket{capability=\"%s\",outcome=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.capability), escape(metric.outcome), metric.count))
		builder.WriteString(fmt.Sprintf("openswarm_command_duration_seconds_sum{capability=\"%s\",outcome=\"%s\"} %s\n",
			escape(metric.capability), escape(metric.outcome), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("openswarm_command_duration_seconds_count{capability=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.capability), escape(metric.outcome), metric.count))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
