package frame

import "testing"

func TestRescale_SameTimebase(t *testing.T) {
	tb := Rational{Num: 1, Den: 90000}
	if got := Rescale(12345, tb, tb); got != 12345 {
		t.Fatalf("Rescale same timebase = %d, want 12345", got)
	}
}

func TestRescale_90kHzToMillis(t *testing.T) {
	from := Rational{Num: 1, Den: 90000}
	to := Rational{Num: 1, Den: 1000}
	tests := []struct {
		name string
		ts   int64
		want int64
	}{
		{"one second", 90000, 1000},
		{"half second", 45000, 500},
		{"zero", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Rescale(tt.ts, from, to); got != tt.want {
				t.Errorf("Rescale(%d) = %d, want %d", tt.ts, got, tt.want)
			}
		})
	}
}

func TestDivRoundNearestEven_Ties(t *testing.T) {
	tests := []struct {
		num, den, want int64
	}{
		{1, 2, 0},  // 0.5 -> 0 (even)
		{3, 2, 2},  // 1.5 -> 2 (even)
		{5, 2, 2},  // 2.5 -> 2 (even)
		{-1, 2, 0}, // -0.5 -> 0 (even)
	}
	for _, tt := range tests {
		if got := divRoundNearestEven(tt.num, tt.den); got != tt.want {
			t.Errorf("divRoundNearestEven(%d,%d) = %d, want %d", tt.num, tt.den, got, tt.want)
		}
	}
}

func TestRational_Seconds(t *testing.T) {
	r := Rational{Num: 1, Den: 90000}
	if got := r.Seconds(180000); got != 2.0 {
		t.Errorf("Seconds(180000) = %v, want 2.0", got)
	}
}
