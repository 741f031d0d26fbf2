// Package util contains helper functions used around the code.
package util

import "strconv"

// In returns true if s is found in ss, false otherwise.
func In(ss []string, s string) bool {
	for _, v := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// Amount7 formats f with the 7 decimal places of precision the Stellar ledger carries.
func Amount7(f float64) string {
	return strconv.FormatFloat(f, 'f', 7, 64)
}

// ParseAmount parses a ledger amount string into a float64, returning 0 on malformed input.
func ParseAmount(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
