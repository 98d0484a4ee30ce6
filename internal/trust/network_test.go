package trust

import (
	stdErrors "errors"
	"math"
	"testing"
	"time"
)

type fakeDirectory map[string]bool

func (d fakeDirectory) Known(id string) bool { return d[id] }

func TestOutcomeDeltas(t *testing.T) {
	t.Parallel()

	cases := []struct {
		outcome Outcome
		want    float64
	}{
		{Outcome{Kind: OutcomeSuccess}, 0.8},
		{Outcome{Kind: OutcomeTimeout}, -0.3},
		{Outcome{Kind: OutcomeFailure}, -1.0},
		{Outcome{Kind: OutcomePartial, ErrorRate: 0.5}, -0.25},
		{Outcome{Kind: OutcomePartial, ErrorRate: 2}, -0.5},
		{Outcome{Kind: OutcomePartial, ErrorRate: -1}, 0},
	}
	for _, tc := range cases {
		if got := tc.outcome.delta(); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("delta(%+v) = %v, want %v", tc.outcome, got, tc.want)
		}
	}
}

func TestObserveBayesianUpdate(t *testing.T) {
	t.Parallel()

	n := NewNetwork()
	snapshot, err := n.Observe("", "agent-1", Outcome{Kind: OutcomeSuccess})
	if err != nil {
		t.Fatalf("observe failed: %v", err)
	}

	// 0.5*(1-0.15) + 0.9*0.15
	want := 0.5*0.85 + 0.9*0.15
	if math.Abs(snapshot.Score-want) > 1e-9 {
		t.Fatalf("unexpected score: got %v want %v", snapshot.Score, want)
	}
	if snapshot.Samples != 1 {
		t.Fatalf("unexpected samples: %d", snapshot.Samples)
	}
	if math.Abs(snapshot.Confidence-1.0/11.0) > 1e-9 {
		t.Fatalf("unexpected confidence: %v", snapshot.Confidence)
	}

	lowered, err := n.Observe("", "agent-1", Outcome{Kind: OutcomeFailure})
	if err != nil {
		t.Fatalf("observe failed: %v", err)
	}
	if lowered.Score >= snapshot.Score {
		t.Fatalf("failure must lower the score: %v -> %v", snapshot.Score, lowered.Score)
	}
}

func TestObserveValidation(t *testing.T) {
	t.Parallel()

	n := NewNetwork()
	if _, err := n.Observe("", "", Outcome{Kind: OutcomeSuccess}); err == nil {
		t.Fatalf("expected error for empty subject")
	}
	if _, err := n.Observe("", "agent-1", Outcome{Kind: "weird"}); err == nil {
		t.Fatalf("expected error for unsupported outcome kind")
	}
}

func TestObserveChecksDirectory(t *testing.T) {
	t.Parallel()

	n := NewNetwork(WithDirectory(fakeDirectory{"agent-1": true, "agent-2": true}))

	if _, err := n.Observe("", "ghost", Outcome{Kind: OutcomeSuccess}); !stdErrors.Is(err, ErrSubjectUnknown) {
		t.Fatalf("expected ErrSubjectUnknown, got %v", err)
	}
	if _, err := n.Observe("ghost", "agent-1", Outcome{Kind: OutcomeSuccess}); !stdErrors.Is(err, ErrObserverUnknown) {
		t.Fatalf("expected ErrObserverUnknown, got %v", err)
	}

	// 系统侧观察：observer 为空时只更新分数，不产生信任边。
	if _, err := n.Observe("", "agent-1", Outcome{Kind: OutcomeSuccess}); err != nil {
		t.Fatalf("system observation failed: %v", err)
	}
	if edges := n.Edges(""); len(edges) != 0 {
		t.Fatalf("system observation must not create edges: %+v", edges)
	}

	// 智能体观察：记录一条 observer→subject 的边，级别由 delta 映射而来。
	if _, err := n.Observe("agent-2", "agent-1", Outcome{Kind: OutcomeSuccess}); err != nil {
		t.Fatalf("observe failed: %v", err)
	}
	edges := n.Edges("agent-2")
	if len(edges) != 1 {
		t.Fatalf("expected a single edge, got %d", len(edges))
	}
	if edges[0].To != "agent-1" || math.Abs(edges[0].Level-0.9) > 1e-9 {
		t.Fatalf("unexpected edge: %+v", edges[0])
	}
}

func TestScoreNeutralPriorForUnknownSubject(t *testing.T) {
	t.Parallel()

	n := NewNetwork()
	snapshot := n.Score("never-seen")
	if snapshot.Score != 0.5 || snapshot.Samples != 0 || snapshot.Confidence != 0 {
		t.Fatalf("unexpected prior: %+v", snapshot)
	}
}

func TestConfidenceGrowsWithSamples(t *testing.T) {
	t.Parallel()

	n := NewNetwork()
	for i := 0; i < 10; i++ {
		if _, err := n.Observe("", "agent-1", Outcome{Kind: OutcomeSuccess}); err != nil {
			t.Fatalf("observe failed: %v", err)
		}
	}
	snapshot := n.Score("agent-1")
	if math.Abs(snapshot.Confidence-0.5) > 1e-9 {
		t.Fatalf("confidence after 10 samples should be 0.5, got %v", snapshot.Confidence)
	}
}

func TestConservativeScore(t *testing.T) {
	t.Parallel()

	n := NewNetwork()
	if got := n.ConservativeScore("never-seen"); got != 0.5 {
		t.Fatalf("expected neutral prior 0.5, got %v", got)
	}

	if _, err := n.Observe("", "agent-1", Outcome{Kind: OutcomeSuccess}); err != nil {
		t.Fatalf("observe failed: %v", err)
	}
	early := n.ConservativeScore("agent-1")

	for i := 0; i < 30; i++ {
		if _, err := n.Observe("", "agent-1", Outcome{Kind: OutcomeSuccess}); err != nil {
			t.Fatalf("observe failed: %v", err)
		}
	}
	late := n.ConservativeScore("agent-1")
	if late <= early {
		t.Fatalf("conservative bound should tighten with evidence: early %v late %v", early, late)
	}

	snapshot := n.Score("agent-1")
	if late >= snapshot.Score {
		t.Fatalf("conservative bound must stay below the raw score: %v >= %v", late, snapshot.Score)
	}
}

func TestDecayRegressesTowardNeutral(t *testing.T) {
	t.Parallel()

	n := NewNetwork()
	subject := "agent-1"
	s := n.shardFor(subject)
	s.mu.Lock()
	s.scores[subject] = &scoreState{
		score:      0.9,
		confidence: 0.5,
		samples:    5,
		updatedAt:  time.Now().Add(-2 * time.Hour).Unix(),
	}
	s.mu.Unlock()

	decayed := n.Decay(subject, time.Hour)
	if decayed.Score >= 0.9 || decayed.Score <= 0.5 {
		t.Fatalf("expected score between 0.5 and 0.9, got %v", decayed.Score)
	}
	if decayed.Confidence >= 0.5 {
		t.Fatalf("expected confidence to shrink, got %v", decayed.Confidence)
	}

	// 已应用过的衰减周期不会在重复读取时再次叠加。
	again := n.Decay(subject, time.Hour)
	if again.Score != decayed.Score {
		t.Fatalf("repeated decay must be idempotent: %v vs %v", decayed.Score, again.Score)
	}
}

func TestScoreAppliesConfiguredDecay(t *testing.T) {
	t.Parallel()

	n := NewNetwork(WithDecay(time.Hour, time.Minute))
	subject := "agent-1"
	s := n.shardFor(subject)
	s.mu.Lock()
	s.scores[subject] = &scoreState{
		score:      0.2,
		confidence: 0.4,
		samples:    3,
		updatedAt:  time.Now().Add(-3 * time.Hour).Unix(),
	}
	s.mu.Unlock()

	snapshot := n.Score(subject)
	if snapshot.Score <= 0.2 || snapshot.Score >= 0.5 {
		t.Fatalf("expected score pulled toward 0.5 from below, got %v", snapshot.Score)
	}
}

func TestAddDelegationValidation(t *testing.T) {
	t.Parallel()

	n := NewNetwork(WithDirectory(fakeDirectory{"a": true, "b": true}))
	if err := n.AddDelegation("", "b", 0.5); err == nil {
		t.Fatalf("expected error for empty from")
	}
	if err := n.AddDelegation("a", "b", 1.5); err == nil {
		t.Fatalf("expected error for out-of-range level")
	}
	if err := n.AddDelegation("ghost", "b", 0.5); !stdErrors.Is(err, ErrObserverUnknown) {
		t.Fatalf("expected ErrObserverUnknown, got %v", err)
	}
	if err := n.AddDelegation("a", "ghost", 0.5); !stdErrors.Is(err, ErrSubjectUnknown) {
		t.Fatalf("expected ErrSubjectUnknown, got %v", err)
	}
	if err := n.AddDelegation("a", "b", 0.5); err != nil {
		t.Fatalf("delegation failed: %v", err)
	}
}

func TestTransitiveTrust(t *testing.T) {
	t.Parallel()

	n := NewNetwork()
	mustDelegate := func(from, to string, level float64) {
		t.Helper()
		if err := n.AddDelegation(from, to, level); err != nil {
			t.Fatalf("delegation %s->%s failed: %v", from, to, err)
		}
	}

	mustDelegate("a", "b", 0.9)
	mustDelegate("b", "c", 0.8)
	mustDelegate("a", "d", 0.2)
	mustDelegate("d", "c", 0.3)

	if got, ok := n.TransitiveTrust("a", "a", 3); !ok || got != 1.0 {
		t.Fatalf("self trust should be (1, true), got (%v, %v)", got, ok)
	}

	got, ok := n.TransitiveTrust("a", "c", 3)
	if !ok {
		t.Fatalf("expected a path a->c")
	}
	// a->d->c 的乘积只有 0.06，取最大乘积路径 a->b->c。
	if math.Abs(got-0.72) > 1e-9 {
		t.Fatalf("unexpected product: %v", got)
	}

	if _, ok := n.TransitiveTrust("a", "c", 1); ok {
		t.Fatalf("depth 1 must not reach c")
	}
	if _, ok := n.TransitiveTrust("c", "a", 5); ok {
		t.Fatalf("no reverse path expected")
	}
}

func TestTransitiveTrustKeepsLowDirectEdge(t *testing.T) {
	t.Parallel()

	n := NewNetwork()
	if err := n.AddDelegation("a", "z", 0.05); err != nil {
		t.Fatalf("delegation failed: %v", err)
	}

	// 直达边的级别低于剪枝阈值也必须原值返回，剪枝只作用于继续延伸的半途路径。
	got, ok := n.TransitiveTrust("a", "z", 3)
	if !ok || math.Abs(got-0.05) > 1e-9 {
		t.Fatalf("expected direct edge level 0.05, got (%v, %v)", got, ok)
	}

	// 低于阈值的中间边不能再延伸出多跳路径。
	if err := n.AddDelegation("z", "w", 0.9); err != nil {
		t.Fatalf("delegation failed: %v", err)
	}
	if _, ok := n.TransitiveTrust("a", "w", 3); ok {
		t.Fatalf("partial path below the prune threshold must not be extended")
	}
}

func TestTransitiveTrustUsesLatestEdge(t *testing.T) {
	t.Parallel()

	n := NewNetwork()
	if err := n.AddDelegation("a", "b", 0.9); err != nil {
		t.Fatalf("delegation failed: %v", err)
	}
	if err := n.AddDelegation("a", "b", 0.4); err != nil {
		t.Fatalf("delegation failed: %v", err)
	}

	got, ok := n.TransitiveTrust("a", "b", 2)
	if !ok || math.Abs(got-0.4) > 1e-9 {
		t.Fatalf("expected latest edge level 0.4, got (%v, %v)", got, ok)
	}

	if edges := n.Edges("a"); len(edges) != 2 {
		t.Fatalf("edges are append-only, expected 2 versions, got %d", len(edges))
	}
}
