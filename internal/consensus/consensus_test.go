package consensus

import (
	stdErrors "errors"
	"testing"
	"time"

	xerrors "OpenSwarm-Core/internal/errors"
)

type fixedPopulation []string

func (p fixedPopulation) KnownIDs() []string {
	return append([]string(nil), p...)
}

func population(n int) fixedPopulation {
	ids := make(fixedPopulation, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, string(rune('a'+i)))
	}
	return ids
}

func TestProposeValidation(t *testing.T) {
	t.Parallel()

	engine := NewEngine(population(5))
	deadline := time.Now().Add(time.Minute)

	if _, err := engine.Propose("", "a", RuleSimpleMajority, deadline); err == nil {
		t.Fatalf("expected error for empty operation")
	}
	if _, err := engine.Propose("upgrade", "a", Rule("weird"), deadline); err == nil {
		t.Fatalf("expected error for unknown rule")
	}

	empty := NewEngine(fixedPopulation{})
	if _, err := empty.Propose("upgrade", "a", RuleSimpleMajority, deadline); xerrors.CodeOf(err) != xerrors.CodeInvalidQuorumRule {
		t.Fatalf("expected invalid quorum rule, got %v", err)
	}

	small := NewEngine(population(3))
	if _, err := small.Propose("upgrade", "a", RuleByzantine, deadline); xerrors.CodeOf(err) != xerrors.CodeInvalidQuorumRule {
		t.Fatalf("byzantine rule needs at least 4 voters, got %v", err)
	}
}

func TestSimpleMajorityAccept(t *testing.T) {
	t.Parallel()

	engine := NewEngine(population(5))
	proposal, err := engine.Propose("upgrade", "a", RuleSimpleMajority, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	if proposal.Status != StatusOpen || len(proposal.Population) != 5 {
		t.Fatalf("unexpected proposal: %+v", proposal)
	}

	for _, voter := range []string{"a", "b"} {
		if err := engine.Vote(proposal.ID, voter, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
	}
	status, err := engine.Status(proposal.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != StatusOpen {
		t.Fatalf("2 of 5 must stay open, got %s", status.Status)
	}

	if err := engine.Vote(proposal.ID, "c", true); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	status, err = engine.Status(proposal.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != StatusAccepted {
		t.Fatalf("3 of 5 should accept, got %s", status.Status)
	}
}

func TestEarlyRejectWhenThresholdUnreachable(t *testing.T) {
	t.Parallel()

	engine := NewEngine(population(5))
	proposal, err := engine.Propose("upgrade", "a", RuleSimpleMajority, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	// 3 票反对后剩余 2 票已凑不够 3 票的接受阈值。
	for _, voter := range []string{"a", "b", "c"} {
		if err := engine.Vote(proposal.ID, voter, false); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
	}
	status, err := engine.Status(proposal.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != StatusRejected {
		t.Fatalf("expected early rejection, got %s", status.Status)
	}
}

func TestRevoteOverwritesPreviousChoice(t *testing.T) {
	t.Parallel()

	engine := NewEngine(population(3))
	proposal, err := engine.Propose("upgrade", "a", RuleUnanimous, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	if err := engine.Vote(proposal.ID, "a", false); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if err := engine.Vote(proposal.ID, "a", true); err != nil {
		t.Fatalf("revote failed: %v", err)
	}

	status, err := engine.Status(proposal.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if len(status.Votes) != 1 || status.Votes["a"] != true {
		t.Fatalf("revote must overwrite, got %+v", status.Votes)
	}
}

func TestVoterEligibilityFrozenAtPropose(t *testing.T) {
	t.Parallel()

	engine := NewEngine(population(3))
	proposal, err := engine.Propose("upgrade", "a", RuleSimpleMajority, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	if err := engine.Vote(proposal.ID, "z", true); !stdErrors.Is(err, ErrVoterNotEligible) {
		t.Fatalf("expected ErrVoterNotEligible, got %v", err)
	}
	if err := engine.Vote("missing", "a", true); !stdErrors.Is(err, ErrUnknownProposal) {
		t.Fatalf("expected ErrUnknownProposal, got %v", err)
	}
}

func TestTimedOutAtDeadline(t *testing.T) {
	t.Parallel()

	engine := NewEngine(population(5))
	proposal, err := engine.Propose("upgrade", "a", RuleSimpleMajority, time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	for _, voter := range []string{"a", "b"} {
		if err := engine.Vote(proposal.ID, voter, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
	}

	status, err := engine.Status(proposal.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != StatusTimedOut {
		t.Fatalf("expected timed_out at deadline, got %s", status.Status)
	}
}

func TestQuorumReachedBeforeDeadlineWins(t *testing.T) {
	t.Parallel()

	// 票数在截止前已达标：即使此刻已过截止时间，Accepted 优先于 TimedOut。
	engine := NewEngine(population(3))
	proposal, err := engine.Propose("upgrade", "a", RuleSimpleMajority, time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	for _, voter := range []string{"a", "b"} {
		if err := engine.Vote(proposal.ID, voter, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
	}
	status, err := engine.Status(proposal.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != StatusAccepted {
		t.Fatalf("quorum should win over the deadline, got %s", status.Status)
	}
}

func TestTerminalStatusIsSticky(t *testing.T) {
	t.Parallel()

	engine := NewEngine(population(3))
	proposal, err := engine.Propose("upgrade", "a", RuleSimpleMajority, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	for _, voter := range []string{"a", "b"} {
		if err := engine.Vote(proposal.ID, voter, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
	}
	status, err := engine.Status(proposal.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s", status.Status)
	}

	// 终态后的投票仍被记录，但不再改变状态。
	if err := engine.Vote(proposal.ID, "c", false); err != nil {
		t.Fatalf("late vote failed: %v", err)
	}
	again, err := engine.Status(proposal.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if again.Status != StatusAccepted {
		t.Fatalf("terminal status must be sticky, got %s", again.Status)
	}
	if len(again.Votes) != 3 {
		t.Fatalf("late vote should still be recorded, got %d votes", len(again.Votes))
	}
}

func TestSuperMajorityThreshold(t *testing.T) {
	t.Parallel()

	engine := NewEngine(population(6))
	proposal, err := engine.Propose("upgrade", "a", RuleSuperMajority, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	// ceil(2/3 · 6) = 4
	for _, voter := range []string{"a", "b", "c"} {
		if err := engine.Vote(proposal.ID, voter, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
	}
	status, _ := engine.Status(proposal.ID)
	if status.Status != StatusOpen {
		t.Fatalf("3 of 6 must stay open under super majority, got %s", status.Status)
	}

	if err := engine.Vote(proposal.ID, "d", true); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	status, _ = engine.Status(proposal.ID)
	if status.Status != StatusAccepted {
		t.Fatalf("4 of 6 should accept under super majority, got %s", status.Status)
	}
}

func TestByzantineThreshold(t *testing.T) {
	t.Parallel()

	// n=7 → f=2 → 阈值 2f+1=5。
	engine := NewEngine(population(7))
	proposal, err := engine.Propose("upgrade", "a", RuleByzantine, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	for _, voter := range []string{"a", "b", "c", "d"} {
		if err := engine.Vote(proposal.ID, voter, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
	}
	status, _ := engine.Status(proposal.ID)
	if status.Status != StatusOpen {
		t.Fatalf("4 of 7 must stay open under byzantine, got %s", status.Status)
	}

	if err := engine.Vote(proposal.ID, "e", true); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	status, _ = engine.Status(proposal.ID)
	if status.Status != StatusAccepted {
		t.Fatalf("5 of 7 should accept under byzantine, got %s", status.Status)
	}

	if TolerableFaults(7) != 2 || TolerableFaults(4) != 1 || TolerableFaults(0) != 0 {
		t.Fatalf("unexpected tolerable faults")
	}
}

func TestPopulationSnapshotIgnoresLateJoiners(t *testing.T) {
	t.Parallel()

	pop := population(3)
	engine := NewEngine(&growingPopulation{ids: pop})
	proposal, err := engine.Propose("upgrade", "a", RuleUnanimous, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	// 提案创建后加入的智能体无权投票，也不影响阈值。
	if err := engine.Vote(proposal.ID, "late", true); !stdErrors.Is(err, ErrVoterNotEligible) {
		t.Fatalf("late joiner must not be eligible, got %v", err)
	}

	for _, voter := range []string{"a", "b", "c"} {
		if err := engine.Vote(proposal.ID, voter, true); err != nil {
			t.Fatalf("vote failed: %v", err)
		}
	}
	status, _ := engine.Status(proposal.ID)
	if status.Status != StatusAccepted {
		t.Fatalf("unanimous over the frozen population should accept, got %s", status.Status)
	}
}

type growingPopulation struct {
	ids fixedPopulation
}

func (p *growingPopulation) KnownIDs() []string {
	ids := p.ids.KnownIDs()
	p.ids = append(p.ids, "late")
	return ids
}

func TestListReturnsAllProposals(t *testing.T) {
	t.Parallel()

	engine := NewEngine(population(3))
	for i := 0; i < 3; i++ {
		if _, err := engine.Propose("upgrade", "a", RuleSimpleMajority, time.Now().Add(time.Minute)); err != nil {
			t.Fatalf("propose failed: %v", err)
		}
	}
	if got := len(engine.List()); got != 3 {
		t.Fatalf("expected 3 proposals, got %d", got)
	}
}
