package service

import (
	"regexp"
	"strings"
)

// taxIDPatterns holds per-jurisdiction format checks. These are pattern
// matches only; online VIES-style verification is a separate pluggable
// collaborator, never part of the invoice hot path.
var taxIDPatterns = map[string]*regexp.Regexp{
	// EU VAT number formats (country prefix optional on input, enforced below).
	"DE": regexp.MustCompile(`^DE[0-9]{9}$`),
	"FR": regexp.MustCompile(`^FR[0-9A-Z]{2}[0-9]{9}$`),
	"NL": regexp.MustCompile(`^NL[0-9]{9}B[0-9]{2}$`),
	"IE": regexp.MustCompile(`^IE[0-9]{7}[A-W][A-I]?$`),
	"ES": regexp.MustCompile(`^ES[0-9A-Z][0-9]{7}[0-9A-Z]$`),
	"IT": regexp.MustCompile(`^IT[0-9]{11}$`),
	"BE": regexp.MustCompile(`^BE0[0-9]{9}$`),
	"AT": regexp.MustCompile(`^ATU[0-9]{8}$`),
	"PL": regexp.MustCompile(`^PL[0-9]{10}$`),
	"SE": regexp.MustCompile(`^SE[0-9]{12}$`),

	// Non-EU jurisdictions with their own registration formats.
	"GB": regexp.MustCompile(`^GB([0-9]{9}|[0-9]{12})$`),
	"AU": regexp.MustCompile(`^AU[0-9]{11}$`),
	"SG": regexp.MustCompile(`^SG[0-9]{8}[A-Z]$`),
	"NG": regexp.MustCompile(`^NG[0-9]{8}-[0-9]{4}$`),
}

// ValidTaxID reports whether the tax id matches the jurisdiction's
// registration format. Unknown jurisdictions always fail so reverse
// charge can never be granted on an unverifiable id.
func ValidTaxID(country, taxID string) bool {
	taxID = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(taxID), " ", ""))
	if taxID == "" {
		return false
	}
	pattern, ok := taxIDPatterns[country]
	if !ok {
		return false
	}
	if !strings.HasPrefix(taxID, country) {
		taxID = country + taxID
	}
	return pattern.MatchString(taxID)
}
