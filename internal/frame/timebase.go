// Package frame defines the packet and frame ownership primitives the
// pipeline runner and variant workers pass between each other, and the
// rational timebase arithmetic used to rescale presentation timestamps
// between the demuxer, decoder, and encoder clocks.
package frame

// Rational is a (numerator, denominator) timebase, e.g. {1, 90000} for the
// standard MPEG-TS 90kHz clock. All PTS/DTS rescaling goes through Rescale
// rather than floating-point math, to avoid drift over long-running streams.
type Rational struct {
	Num int64
	Den int64
}

// NewRational builds a Rational, requiring a non-zero denominator.
func NewRational(num, den int64) Rational {
	if den == 0 {
		den = 1
	}
	return Rational{Num: num, Den: den}
}

// Rescale converts a timestamp from timebase from into timebase to,
// rounding to nearest with ties resolved to even (banker's rounding), which
// is what keeps repeated rescaling of a long PTS sequence from drifting.
func Rescale(ts int64, from, to Rational) int64 {
	if from.Num == to.Num && from.Den == to.Den {
		return ts
	}
	// ts * from.Num * to.Den / (from.Den * to.Num), rounded to nearest even.
	num := ts * from.Num * to.Den
	den := from.Den * to.Num
	return divRoundNearestEven(num, den)
}

// divRoundNearestEven divides num/den rounding half cases to the nearest
// even quotient. den must be positive after sign normalization.
func divRoundNearestEven(num, den int64) int64 {
	if den < 0 {
		num, den = -num, -den
	}
	q := num / den
	r := num % den
	if r == 0 {
		return q
	}
	// Normalize remainder sign to be in [0, den).
	if r < 0 {
		q--
		r += den
	}
	twice := r * 2
	switch {
	case twice < den:
		return q
	case twice > den:
		return q + 1
	default: // exact half: round to even
		if q%2 == 0 {
			return q
		}
		return q + 1
	}
}

// Seconds converts a timestamp in this timebase to floating-point seconds.
func (r Rational) Seconds(ts int64) float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(ts) * float64(r.Num) / float64(r.Den)
}

// MPEGTSTimebase is the standard 90kHz clock used throughout MPEG-TS and HLS.
var MPEGTSTimebase = Rational{Num: 1, Den: 90000}
