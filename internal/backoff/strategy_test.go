package backoff

import (
	"testing"
	"time"
)

func TestExponentialDelay(t *testing.T) {
	p := Params{Base: 100 * time.Millisecond, Multiplier: 2}

	tests := []struct {
		name     string
		attempt  int
		max      time.Duration
		expected time.Duration
	}{
		{name: "attempt 0", attempt: 0, expected: 100 * time.Millisecond},
		{name: "attempt 1", attempt: 1, expected: 200 * time.Millisecond},
		{name: "attempt 2", attempt: 2, expected: 400 * time.Millisecond},
		{name: "negative attempt", attempt: -3, expected: 100 * time.Millisecond},
		{name: "capped", attempt: 5, max: time.Second, expected: time.Second},
		{name: "uncapped", attempt: 5, expected: 3200 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := p
			p.Max = tt.max
			if got := (Exponential{}).Delay(tt.attempt, p); got != tt.expected {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.expected)
			}
		})
	}
}

func TestExponentialDelayOverflow(t *testing.T) {
	p := Params{Base: time.Second, Multiplier: 10, Max: time.Minute}
	if got := (Exponential{}).Delay(1000, p); got != time.Minute {
		t.Errorf("Delay(1000) = %v, want %v", got, time.Minute)
	}

	p.Max = 0
	if got := (Exponential{}).Delay(1000, p); got <= 0 {
		t.Errorf("uncapped overflow produced non-positive delay %v", got)
	}
}

func TestExponentialJitterBounds(t *testing.T) {
	p := Params{Base: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		got := (Exponential{}).Delay(1, p)
		if got < 200*time.Millisecond || got > 300*time.Millisecond {
			t.Fatalf("jittered delay %v outside [200ms, 300ms]", got)
		}
	}
}

func TestDecorrelatedDelay(t *testing.T) {
	p := Params{Base: 100 * time.Millisecond, Max: 5 * time.Second}

	if got := (Decorrelated{}).Delay(0, p); got != p.Base {
		t.Errorf("Delay(0) = %v, want %v", got, p.Base)
	}

	for i := 0; i < 50; i++ {
		got := (Decorrelated{}).Delay(1, p)
		if got < 100*time.Millisecond || got > 300*time.Millisecond {
			t.Fatalf("Delay(1) = %v, want between 100ms and 300ms", got)
		}
	}
}

func TestClampJitter(t *testing.T) {
	tests := []struct {
		input    float64
		expected float64
	}{
		{-0.5, 0.0},
		{0.0, 0.0},
		{0.5, 0.5},
		{1.0, 1.0},
		{1.5, 1.0},
	}

	for _, tt := range tests {
		if got := clampJitter(tt.input); got != tt.expected {
			t.Errorf("clampJitter(%f) = %f, want %f", tt.input, got, tt.expected)
		}
	}
}

func TestPow(t *testing.T) {
	tests := []struct {
		base     float64
		exponent int
		expected float64
	}{
		{2.0, 0, 1.0},
		{2.0, 1, 2.0},
		{2.0, 3, 8.0},
		{3.0, 2, 9.0},
	}

	for _, tt := range tests {
		if got := Pow(tt.base, tt.exponent); got != tt.expected {
			t.Errorf("Pow(%f, %d) = %f, want %f", tt.base, tt.exponent, got, tt.expected)
		}
	}
}

func BenchmarkExponential(b *testing.B) {
	p := Params{Base: 100 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2, Jitter: 0.1}
	for i := 0; i < b.N; i++ {
		(Exponential{}).Delay(i%10, p)
	}
}
