package carrier

import (
	"strings"
	"unicode"
)

// Known carrier codes.
const (
	CarrierSF    = "SF"
	CarrierYTO   = "YTO"
	CarrierZTO   = "ZTO"
	CarrierSTO   = "STO"
	CarrierYunda = "YUNDA"
	CarrierJD    = "JD"
	CarrierEMS   = "EMS"
)

var prefixes = []struct {
	prefix  string
	carrier string
}{
	// longer prefixes first
	{"JDV", CarrierJD},
	{"JDX", CarrierJD},
	{"ZTO", CarrierZTO},
	{"STO", CarrierSTO},
	{"SF", CarrierSF},
	{"YT", CarrierYTO},
	{"JD", CarrierJD},
	{"EMS", CarrierEMS},
}

// InferCarrier guesses the carrier code from a tracking number prefix.
// Returns "" when the number does not match a known pattern.
func InferCarrier(trackingNumber string) string {
	tn := strings.ToUpper(strings.TrimSpace(trackingNumber))
	if tn == "" {
		return ""
	}
	for _, p := range prefixes {
		if strings.HasPrefix(tn, p.prefix) && len(tn) > len(p.prefix) {
			return p.carrier
		}
	}
	// UPU S10 format used by EMS: two letters, nine digits, "CN".
	if len(tn) == 13 && strings.HasSuffix(tn, "CN") && allDigits(tn[2:11]) {
		return CarrierEMS
	}
	return ""
}

func allDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
