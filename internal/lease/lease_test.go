package lease

import (
	"testing"
	"time"
)

func TestSeconds_MarginApplied(t *testing.T) {
	c := New(1.5, 60*time.Second)

	got := c.Seconds(60 * time.Second)
	if got != 90 {
		t.Errorf("expected 90s lease for 60s estimate x 1.5, got %d", got)
	}
}

func TestSeconds_NeverBelowEstimateTimesMargin(t *testing.T) {
	// The configured estimate is the stage's observed p95; the lease must
	// cover estimate x margin whenever that fits under the ceiling.
	c := New(2.0, 60*time.Second)

	for _, estimate := range []time.Duration{30 * time.Second, 45 * time.Second, 90 * time.Second, 150 * time.Second} {
		got := time.Duration(c.Seconds(estimate)) * time.Second
		want := time.Duration(float64(estimate) * 2.0)
		if got < want {
			t.Errorf("estimate %v: lease %v below estimate x margin %v", estimate, got, want)
		}
	}
}

func TestSeconds_Clamped(t *testing.T) {
	c := New(1.0, 60*time.Second)

	if got := c.Seconds(5 * time.Second); got != 30 {
		t.Errorf("expected floor 30s for tiny estimate, got %d", got)
	}
	if got := c.Seconds(20 * time.Minute); got != 300 {
		t.Errorf("expected ceiling 300s for huge estimate, got %d", got)
	}
}

func TestSeconds_FallbackOnMissingEstimate(t *testing.T) {
	c := New(1.5, 40*time.Second)

	got := c.Seconds(0)
	if got != 60 {
		t.Errorf("expected fallback 40s x 1.5 = 60s, got %d", got)
	}

	if got := c.Seconds(-1 * time.Second); got != 60 {
		t.Errorf("expected fallback for negative estimate, got %d", got)
	}
}

func TestWithBounds(t *testing.T) {
	c := New(1.0, 60*time.Second).WithBounds(10*time.Second, 45*time.Second)

	if got := c.Seconds(5 * time.Second); got != 10 {
		t.Errorf("expected custom floor 10s, got %d", got)
	}
	if got := c.Seconds(2 * time.Minute); got != 45 {
		t.Errorf("expected custom ceiling 45s, got %d", got)
	}
}
