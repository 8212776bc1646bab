package pattern

import "math"

// GCD of two lengths.
func GCD(a, b uint16) uint16 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// LCM of two lengths, saturating at math.MaxUint16. Zero lengths are
// treated as one.
func LCM(a, b uint16) uint16 {
	if a == 0 {
		a = 1
	}
	if b == 0 {
		b = 1
	}
	v := uint32(a) / uint32(GCD(a, b)) * uint32(b)
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
