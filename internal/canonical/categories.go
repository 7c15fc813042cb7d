package canonical

import "strings"

// CategoryTable maps raw legacy category spellings (numeric codes,
// abbreviations, mixed case) onto the fixed target enumeration. The table is
// supplied through configuration so it stays reviewable; the lookup mechanism
// here is the contract. A raw value not in the table is reported by callers,
// never defaulted.
type CategoryTable map[string]Category

// DefaultCategoryTable covers the spellings observed in the legacy source.
// Deployments extend or replace it via configuration.
func DefaultCategoryTable() CategoryTable {
	return CategoryTable{
		"formal":      CategoryFormal,
		"f":           CategoryFormal,
		"1":           CategoryFormal,
		"modular":     CategoryModular,
		"m":           CategoryModular,
		"3":           CategoryModular,
		"workers pas": CategoryWorkersPAS,
		"workers_pas": CategoryWorkersPAS,
		"wpas":        CategoryWorkersPAS,
		"w":           CategoryWorkersPAS,
		"2":           CategoryWorkersPAS,
	}
}

// Normalize looks up a raw legacy category value. The second return is false
// for values absent from the table.
func (t CategoryTable) Normalize(raw string) (Category, bool) {
	key := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	if key == "" {
		return "", false
	}
	c, ok := t[key]
	return c, ok
}
