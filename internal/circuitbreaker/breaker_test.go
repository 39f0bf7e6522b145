package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_StartsClosed(t *testing.T) {
	b := New(3, time.Second)
	if !b.Allow("sync") {
		t.Error("Expected fresh breaker to allow")
	}
	if b.State("sync") != StateClosed {
		t.Errorf("Expected closed, got %s", b.State("sync"))
	}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := New(3, time.Minute)
	for i := 0; i < 3; i++ {
		b.RecordFailure("balance")
	}
	if b.State("balance") != StateOpen {
		t.Errorf("Expected open after 3 failures, got %s", b.State("balance"))
	}
	if b.Allow("balance") {
		t.Error("Expected open circuit to reject")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := New(3, time.Minute)
	b.RecordFailure("k")
	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	b.RecordFailure("k")
	if b.State("k") != StateClosed {
		t.Errorf("Expected closed (count was reset), got %s", b.State("k"))
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.RecordFailure("k")
	if b.State("k") != StateOpen {
		t.Fatalf("Expected open, got %s", b.State("k"))
	}

	time.Sleep(15 * time.Millisecond)

	if !b.Allow("k") {
		t.Fatal("Expected probe to be admitted after open duration")
	}
	if b.State("k") != StateHalfOpen {
		t.Fatalf("Expected half_open, got %s", b.State("k"))
	}
	// Second caller during the probe is rejected.
	if b.Allow("k") {
		t.Error("Expected concurrent request during probe to be rejected")
	}

	b.RecordSuccess("k")
	if b.State("k") != StateClosed {
		t.Errorf("Expected closed after successful probe, got %s", b.State("k"))
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := New(1, 5*time.Millisecond)
	b.RecordFailure("k")
	time.Sleep(10 * time.Millisecond)

	if !b.Allow("k") {
		t.Fatal("Expected probe admission")
	}
	b.RecordFailure("k")
	if b.State("k") != StateOpen {
		t.Errorf("Expected reopen after failed probe, got %s", b.State("k"))
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(1, time.Minute)
	b.RecordFailure("a")
	if b.Allow("a") {
		t.Error("Expected key a to be open")
	}
	if !b.Allow("b") {
		t.Error("Expected key b to remain closed")
	}
}
