package resolve

import "strings"

// DefaultDuplicateSuffixes lists the suffix markers that historically flagged
// a superseded duplicate code in the legacy schema. Deployments override the
// list through configuration; the stripping mechanism is the contract, the
// markers themselves are project convention.
var DefaultDuplicateSuffixes = []string{"-old"}

// NormalizeCode upper-cases and trims a business code and strips any known
// duplicate-suffix marker, so "dp-OLD" compares equal to "DP".
func NormalizeCode(code string, duplicateSuffixes []string) string {
	c := strings.ToUpper(strings.TrimSpace(code))
	for _, suffix := range duplicateSuffixes {
		s := strings.ToUpper(suffix)
		if s != "" && strings.HasSuffix(c, s) {
			c = strings.TrimSuffix(c, s)
			break
		}
	}
	return strings.TrimRight(c, " -_")
}

// NormalizeName lower-cases, trims and collapses interior whitespace so
// display names compare loosely. Names are only consulted after code matching
// fails; collisions across unrelated entities are a real risk.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
