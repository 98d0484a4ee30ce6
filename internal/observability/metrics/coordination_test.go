package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerRendersCounters(t *testing.T) {
	RecordRoute("test.render", "best_fit", "routed")
	RecordRoute("test.render", "best_fit", "routed")
	RecordRoute("test.render", "round_robin", "rejected")
	ObserveCommand("test.render", "success", 30*time.Millisecond)

	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	body := recorder.Body.String()
	if !strings.Contains(body, `openswarm_routes_total{capability="test.render",strategy="best_fit",result="routed"} 2`) {
		t.Fatalf("missing route counter:\n%s", body)
	}
	if !strings.Contains(body, `openswarm_routes_total{capability="test.render",strategy="round_robin",result="rejected"} 1`) {
		t.Fatalf("missing rejected counter:\n%s", body)
	}
	if !strings.Contains(body, `openswarm_commands_total{capability="test.render",outcome="success"} 1`) {
		t.Fatalf("missing command counter:\n%s", body)
	}
	if !strings.Contains(body, `openswarm_command_duration_seconds_bucket{capability="test.render",outcome="success",le="0.05"} 1`) {
		t.Fatalf("missing duration bucket:\n%s", body)
	}
	if !strings.Contains(body, `openswarm_command_duration_seconds_count{capability="test.render",outcome="success"} 1`) {
		t.Fatalf("missing duration count:\n%s", body)
	}
}

func TestHandlerRendersCoordinationCounters(t *testing.T) {
	RecordEvent("test.render.published")
	RecordEvent("test.render.published")
	RecordEventDropped("test.render.subscriber")
	RecordProposal("test_rule", "accepted")
	RecordTrustObservation("test.render.success")

	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	body := recorder.Body.String()
	if !strings.Contains(body, `openswarm_events_total{type="test.render.published"} 2`) {
		t.Fatalf("missing event counter:\n%s", body)
	}
	if !strings.Contains(body, `openswarm_events_dropped_total{subscriber="test.render.subscriber"} 1`) {
		t.Fatalf("missing drop counter:\n%s", body)
	}
	if !strings.Contains(body, `openswarm_proposals_total{rule="test_rule",status="accepted"} 1`) {
		t.Fatalf("missing proposal counter:\n%s", body)
	}
	if !strings.Contains(body, `openswarm_trust_observations_total{kind="test.render.success"} 1`) {
		t.Fatalf("missing trust counter:\n%s", body)
	}
}

func TestEscapeLabelValues(t *testing.T) {
	t.Parallel()

	if got := escape(`a"b\c`); got != `a\"b\\c` {
		t.Fatalf("unexpected escaping: %s", got)
	}
	if got := escape("line\nbreak"); got != "linebreak" {
		t.Fatalf("newlines must be stripped: %s", got)
	}
}
