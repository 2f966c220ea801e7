package automation

import "strings"

// NormalizeNumber returns an international "+<cc>..." number. Local numbers
// starting with 0 have it replaced by the country code; numbers that
// already start with the country code only gain the plus sign.
func NormalizeNumber(number, countryCode string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(number) {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" || cleaned == "+" {
		return ""
	}
	if strings.HasPrefix(cleaned, "+") {
		return cleaned
	}
	if strings.HasPrefix(cleaned, "00") {
		return "+" + cleaned[2:]
	}
	if strings.HasPrefix(cleaned, "0") {
		return "+" + countryCode + cleaned[1:]
	}
	if countryCode != "" && strings.HasPrefix(cleaned, countryCode) {
		return "+" + cleaned
	}
	return "+" + countryCode + cleaned
}

// WhatsAppNumber is NormalizeNumber without the plus sign, as wa.me expects.
func WhatsAppNumber(number, countryCode string) string {
	return strings.TrimPrefix(NormalizeNumber(number, countryCode), "+")
}
