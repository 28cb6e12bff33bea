package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestDelayFixed(t *testing.T) {
	tests := []struct {
		name     string
		base     time.Duration
		max      time.Duration
		attempts int
		want     time.Duration
	}{
		{"base 5 max 10", 5 * time.Second, 10 * time.Second, 0, 5 * time.Second},
		{"base 5 max 10 many attempts", 5 * time.Second, 10 * time.Second, 100, 5 * time.Second},
		{"base exceeds max", 20 * time.Second, 10 * time.Second, 0, 10 * time.Second},
		{"zero base defaults to a second", 0, 10 * time.Second, 0, time.Second},
		{"zero max equals base", 5 * time.Second, 0, 0, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			got := Delay("fixed", tt.base, tt.max, tt.attempts, rng)
			if got != tt.want {
				t.Errorf("Delay(fixed) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelayLinear(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		want     time.Duration
	}{
		{"zero attempts", 0, 5 * time.Second},
		{"one attempt", 1, 5 * time.Second},
		{"two attempts", 2, 10 * time.Second},
		{"three attempts", 3, 15 * time.Second},
		{"negative attempts treated as zero", -1, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			got := Delay("linear", 5*time.Second, 100*time.Second, tt.attempts, rng)
			if got != tt.want {
				t.Errorf("Delay(linear) = %v, want %v", got, tt.want)
			}
		})
	}

	if got := Delay("linear", 5*time.Second, 20*time.Second, 10, nil); got != 20*time.Second {
		t.Errorf("Delay(linear) capped = %v, want 20s", got)
	}
}

func TestDelayExponential(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		want     time.Duration
	}{
		{"zero attempts", 0, 5 * time.Second},
		{"one attempt", 1, 10 * time.Second},
		{"two attempts", 2, 20 * time.Second},
		{"three attempts", 3, 40 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Delay("exponential", 5*time.Second, 1000*time.Second, tt.attempts, nil)
			if got != tt.want {
				t.Errorf("Delay(exponential) = %v, want %v", got, tt.want)
			}
		})
	}

	if got := Delay("exponential", 5*time.Second, 50*time.Second, 10, nil); got != 50*time.Second {
		t.Errorf("Delay(exponential) capped = %v, want 50s", got)
	}
}

func TestDelayExpEqualJitter(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for attempts := 0; attempts < 6; attempts++ {
		full := Delay("exponential", 5*time.Second, 1000*time.Second, attempts, nil)
		got := Delay("exp_equal_jitter", 5*time.Second, 1000*time.Second, attempts, rng)
		if got < full/2 || got > full {
			t.Errorf("attempts=%d: Delay(exp_equal_jitter) = %v, want in [%v, %v]", attempts, got, full/2, full)
		}
	}
}

func TestDelayExpFullJitter(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for attempts := 0; attempts < 6; attempts++ {
		full := Delay("exponential", 5*time.Second, 1000*time.Second, attempts, nil)
		got := Delay("exp_full_jitter", 5*time.Second, 1000*time.Second, attempts, rng)
		if got < 0 || got > full {
			t.Errorf("attempts=%d: Delay(exp_full_jitter) = %v, want in [0, %v]", attempts, got, full)
		}
	}
}

func TestDelayDefaultPolicy(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	got := Delay("unknown_policy", 5*time.Second, 1000*time.Second, 2, rng)
	if got < 0 || got > 20*time.Second {
		t.Errorf("Delay(unknown_policy) = %v, want in [0, 20s]", got)
	}
}

func TestDelayNilRng(t *testing.T) {
	got := Delay("fixed", 5*time.Second, 10*time.Second, 0, nil)
	if got != 5*time.Second {
		t.Errorf("Delay with nil rng = %v, want 5s", got)
	}
}
