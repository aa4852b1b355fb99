package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRoutedIncrementsLabeledCounter(t *testing.T) {
	r := New()
	r.RecordRouted("agent-1")
	r.RecordRouted("agent-1")
	r.RecordRouted("agent-2")

	if got := testutil.ToFloat64(r.MessagesRouted.WithLabelValues("agent-1")); got != 2 {
		t.Fatalf("agent-1 count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.MessagesRouted.WithLabelValues("agent-2")); got != 1 {
		t.Fatalf("agent-2 count = %v, want 1", got)
	}
}

func TestRecordDroppedBucketsByReason(t *testing.T) {
	r := New()
	r.RecordDropped("backpressure")
	r.RecordDropped("backpressure")
	r.RecordDropped("blocked")

	if got := testutil.ToFloat64(r.MessagesDropped.WithLabelValues("backpressure")); got != 2 {
		t.Fatalf("backpressure count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.MessagesDropped.WithLabelValues("blocked")); got != 1 {
		t.Fatalf("blocked count = %v, want 1", got)
	}
}

func TestSetStreamConnectedTogglesGauge(t *testing.T) {
	r := New()
	r.SetStreamConnected(true)
	if got := testutil.ToFloat64(r.StreamState); got != 1 {
		t.Fatalf("stream state = %v, want 1", got)
	}
	r.SetStreamConnected(false)
	if got := testutil.ToFloat64(r.StreamState); got != 0 {
		t.Fatalf("stream state = %v, want 0", got)
	}
}
