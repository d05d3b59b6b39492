package broker

import (
	"testing"
	"time"
)

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateDegraded, "degraded"},
		{ConnectionState(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("ConnectionState.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoff_Bounds(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	for attempt := 0; attempt < 40; attempt++ {
		expected := base << uint(min(attempt, 30))
		if expected <= 0 || expected > max {
			expected = max
		}

		for i := 0; i < 20; i++ {
			d := Backoff(attempt, base, max)
			if d < expected/2 || d > expected {
				t.Fatalf("Backoff(%d) = %v, want in [%v, %v]", attempt, d, expected/2, expected)
			}
		}
	}
}

func TestBackoff_GrowsThenCaps(t *testing.T) {
	base := 500 * time.Millisecond
	max := 10 * time.Second

	// Attempt 0 stays near the base.
	if d := Backoff(0, base, max); d > base {
		t.Errorf("Backoff(0) = %v, want <= %v", d, base)
	}

	// Deep attempts never exceed the cap.
	for _, attempt := range []int{10, 20, 31, 100} {
		if d := Backoff(attempt, base, max); d > max {
			t.Errorf("Backoff(%d) = %v, want <= %v", attempt, d, max)
		}
	}
}

func TestBackoff_DegenerateInputs(t *testing.T) {
	// Zero base and inverted cap still produce a positive delay.
	if d := Backoff(3, 0, 0); d <= 0 {
		t.Errorf("Backoff with zero base = %v, want > 0", d)
	}
	if d := Backoff(-5, time.Second, 10*time.Second); d <= 0 {
		t.Errorf("Backoff with negative attempt = %v, want > 0", d)
	}
}
