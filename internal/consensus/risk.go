package consensus

import (
	"regexp"
	"strings"
)

// NoRiskIdentified is the safe default when no pattern matches provider text.
// A fabricated risk is worse than an absent one.
const NoRiskIdentified = "none identified"

var riskPatterns = []struct {
	pattern *regexp.Regexp
	label   string
}{
	{regexp.MustCompile(`(?i)\bearnings\b`), "earnings event risk"},
	{regexp.MustCompile(`(?i)\biv\s+crush|implied\s+volatility\b`), "implied volatility crush"},
	{regexp.MustCompile(`(?i)\bvolatil`), "elevated volatility"},
	{regexp.MustCompile(`(?i)\billiquid|thin\s+volume|low\s+volume|wide\s+spread`), "low liquidity"},
	{regexp.MustCompile(`(?i)\btheta|time\s+decay\b`), "time decay"},
	{regexp.MustCompile(`(?i)\bassignment\b`), "early assignment risk"},
	{regexp.MustCompile(`(?i)\bmacro|fed\b|\brate\s+decision`), "macro event risk"},
	{regexp.MustCompile(`(?i)\bconcentrat`), "position concentration"},
}

// extractKeyRisk scans provider free text for known risk phrasing. The first
// pattern matched across the responding panel wins.
func extractKeyRisk(texts []string) string {
	joined := strings.Join(texts, "\n")
	for _, rp := range riskPatterns {
		if rp.pattern.MatchString(joined) {
			return rp.label
		}
	}
	return NoRiskIdentified
}
