package money

import "sort"

// Currencies returns the supported ISO-4217 codes in sorted order.
func Currencies() []string {
	codes := make([]string, 0, len(minorUnits))
	for code := range minorUnits {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// IsSupported reports whether code is a known currency.
func IsSupported(code string) bool {
	_, ok := minorUnits[code]
	return ok
}
