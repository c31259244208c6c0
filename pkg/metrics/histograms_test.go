package metrics

import (
	"testing"
	"time"
)

func TestHistogramObserveAndPercentile(t *testing.T) {
	t.Parallel()

	h := NewHistogram("POST /v1/projects/{id}/evaluations")
	for i := 0; i < 90; i++ {
		h.Observe(8 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		h.Observe(800 * time.Millisecond)
	}

	if got := h.Percentile(0.50); got != 0.01 {
		t.Fatalf("p50: expected 0.01 bound, got %v", got)
	}
	if got := h.Percentile(0.99); got != 1.0 {
		t.Fatalf("p99: expected 1.0 bound, got %v", got)
	}
}

func TestHistogramPercentileEmpty(t *testing.T) {
	t.Parallel()
	h := NewHistogram("empty")
	if got := h.Percentile(0.95); got != 0 {
		t.Fatalf("empty histogram percentile must be 0, got %v", got)
	}
}

func TestHistogramObservationOverLastBound(t *testing.T) {
	t.Parallel()
	h := NewHistogram("slow")
	h.Observe(30 * time.Second)
	if got := h.Percentile(0.50); got != latencyBounds[len(latencyBounds)-1] {
		t.Fatalf("overflow observation must report the last bound, got %v", got)
	}
	snap := h.Snapshot()
	if snap.Count != 1 {
		t.Fatalf("count must include overflow observations, got %d", snap.Count)
	}
	for _, b := range snap.Buckets {
		if b.Count != 0 {
			t.Fatalf("no bucket should contain a 30s observation: %+v", b)
		}
	}
}

func TestHistogramSnapshotPercentiles(t *testing.T) {
	t.Parallel()

	h := NewHistogram("POST /v1/projects/{id}/check-action")
	for i := 0; i < 100; i++ {
		h.Observe(3 * time.Millisecond)
	}
	snap := h.Snapshot()
	if snap.Count != 100 {
		t.Fatalf("expected 100 observations, got %d", snap.Count)
	}
	if snap.P50 != 0.005 || snap.P95 != 0.005 || snap.P99 != 0.005 {
		t.Fatalf("uniform fast traffic sits in the first bucket: %+v", snap)
	}
	if snap.Sum <= 0 {
		t.Fatalf("sum must accumulate, got %v", snap.Sum)
	}

	// The snapshot is detached from the live histogram.
	h.Observe(time.Millisecond)
	if snap.Count != 100 {
		t.Fatal("snapshot must not track later observations")
	}
}

func TestHistogramRegistryGetIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewHistogramRegistry()
	a := r.Get("GET /v1/projects/{id}/context-packages/latest")
	b := r.Get("GET /v1/projects/{id}/context-packages/latest")
	if a != b {
		t.Fatal("same name must return the same histogram")
	}
}

func TestHistogramRegistrySnapshotsSorted(t *testing.T) {
	t.Parallel()

	r := NewHistogramRegistry()
	r.ObserveDuration("b-route", 10*time.Millisecond)
	r.ObserveDuration("a-route", 20*time.Millisecond)
	r.ObserveDuration("c-route", 30*time.Millisecond)

	snaps := r.Snapshots()
	if len(snaps) != 3 {
		t.Fatalf("expected 3 histograms, got %d", len(snaps))
	}
	if snaps[0].Name != "a-route" || snaps[1].Name != "b-route" || snaps[2].Name != "c-route" {
		t.Fatalf("snapshots must come back in name order: %v", []string{snaps[0].Name, snaps[1].Name, snaps[2].Name})
	}
	for _, s := range snaps {
		if s.Count != 1 {
			t.Fatalf("each route saw one observation: %+v", s)
		}
	}
}
