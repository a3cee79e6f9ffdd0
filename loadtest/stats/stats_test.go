package stats

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: latency summaries
// ---------------------------------------------------------------------------

func TestSummarize(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s := Summarize(ds)

	if s.N != 100 || s.Max != 100*time.Millisecond {
		t.Errorf("unexpected n/max: %+v", s)
	}
	if s.P50 != 51*time.Millisecond || s.P95 != 95*time.Millisecond || s.P99 != 99*time.Millisecond {
		t.Errorf("unexpected percentiles: %+v", s)
	}
	if s.Avg != 50500*time.Microsecond {
		t.Errorf("expected avg 50.5ms, got %s", s.Avg)
	}
	if ds[0] != 100*time.Millisecond {
		t.Error("Summarize reordered its input")
	}
}

func TestSummarize_Empty(t *testing.T) {
	if s := Summarize(nil); s.N != 0 {
		t.Errorf("expected empty summary, got %+v", s)
	}
}

func TestCollector_Report(t *testing.T) {
	c := NewCollector()
	c.AddConnect(2 * time.Millisecond)
	c.AddAck(time.Millisecond)
	c.AddFailure("Rate limited")
	c.AddFailure("Rate limited")
	c.AddError()

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	for _, want := range []string{"Connections:  1", "Errors:       1", "Ack Latency", "Rate limited", "2"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Delivery Latency") {
		t.Error("report shows a section without samples")
	}
}

// ---------------------------------------------------------------------------
// Test: metrics parsing
// ---------------------------------------------------------------------------

func TestParseMetricLine(t *testing.T) {
	cases := []struct {
		line   string
		name   string
		labels string
		value  float64
		ok     bool
	}{
		{"socketchat_connections_total 42", "socketchat_connections_total", "", 42, true},
		{`socketchat_events_total{event="message",outcome="ok"} 7`, "socketchat_events_total", `event="message",outcome="ok"`, 7, true},
		{`socketchat_event_latency_seconds_sum{event="post"} 0.25 1700000000`, "socketchat_event_latency_seconds_sum", `event="post"`, 0.25, true},
		{"garbage", "", "", 0, false},
		{`broken{label="x" 1`, "", "", 0, false},
	}
	for _, tc := range cases {
		name, labels, value, ok := parseMetricLine(tc.line)
		if ok != tc.ok || name != tc.name || labels != tc.labels || value != tc.value {
			t.Errorf("parseMetricLine(%q) = %q, %q, %v, %v", tc.line, name, labels, value, ok)
		}
	}
}

func TestParseSnapshot(t *testing.T) {
	exposition := `# HELP socketchat_connections_total Current number of active WebSocket connections
# TYPE socketchat_connections_total gauge
socketchat_connections_total 10
socketchat_events_total{event="message",outcome="ok"} 5
socketchat_events_total{event="message",outcome="error"} 2
socketchat_bus_messages_total{direction="delivered",driver="nats"} 9
socketchat_bus_messages_total{direction="published",driver="nats"} 4
socketchat_event_latency_seconds_count{event="message"} 7
`
	snap, err := parseSnapshot(strings.NewReader(exposition))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if snap.connections != 10 || snap.events != 7 || snap.eventErrors != 2 {
		t.Errorf("unexpected counts %+v", snap)
	}
	if snap.busDelivered != 9 || snap.latencyCount != 7 {
		t.Errorf("unexpected bus/latency %+v", snap)
	}
}
