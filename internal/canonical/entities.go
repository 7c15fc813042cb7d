// Package canonical defines the target-schema entity model shared by the
// upsert engine, the identity resolver and the pipeline stages.
package canonical

import "fmt"

// EntityType identifies one class of canonical record.
type EntityType string

const (
	EntityDistrict   EntityType = "district"
	EntityVillage    EntityType = "village"
	EntitySector     EntityType = "sector"
	EntityOccupation EntityType = "occupation"
	EntityLevel      EntityType = "level"
	EntityModule     EntityType = "module"
	EntityPaper      EntityType = "paper"
	EntityCenter     EntityType = "center"
	EntityBranch     EntityType = "branch"
	EntitySeries     EntityType = "series"
	EntityStaff      EntityType = "staff"
	EntityCandidate  EntityType = "candidate"
	EntityEnrollment EntityType = "enrollment"
	EntityResult     EntityType = "result"
)

// Category is the fixed enrollment category enumeration of the target schema.
type Category string

const (
	CategoryFormal     Category = "formal"
	CategoryModular    Category = "modular"
	CategoryWorkersPAS Category = "workers_pas"
)

// ValidCategory reports whether v is one of the target enumeration values.
func ValidCategory(v string) bool {
	switch Category(v) {
	case CategoryFormal, CategoryModular, CategoryWorkersPAS:
		return true
	}
	return false
}

// Descriptor describes how one entity type is stored in the target schema.
// KeyColumn holds the natural key used for idempotent upserts; NameColumn, when
// set, is the display-name column consulted by the resolver's name tier.
type Descriptor struct {
	Type       EntityType
	Table      string
	KeyColumn  string
	NameColumn string
	// Columns lists the mutable field columns (natural key and id excluded)
	// in the order they are written by the upsert engine.
	Columns []string
}

var descriptors = map[EntityType]Descriptor{
	EntityDistrict:   {Type: EntityDistrict, Table: "districts", KeyColumn: "code", NameColumn: "name", Columns: []string{"name"}},
	EntityVillage:    {Type: EntityVillage, Table: "villages", KeyColumn: "code", NameColumn: "name", Columns: []string{"name", "district_id"}},
	EntitySector:     {Type: EntitySector, Table: "sectors", KeyColumn: "code", NameColumn: "name", Columns: []string{"name"}},
	EntityOccupation: {Type: EntityOccupation, Table: "occupations", KeyColumn: "code", NameColumn: "name", Columns: []string{"name", "sector_id"}},
	EntityLevel:      {Type: EntityLevel, Table: "levels", KeyColumn: "code", NameColumn: "name", Columns: []string{"name", "occupation_id", "rank"}},
	EntityModule:     {Type: EntityModule, Table: "modules", KeyColumn: "code", NameColumn: "name", Columns: []string{"name", "occupation_id", "level_id"}},
	EntityPaper:      {Type: EntityPaper, Table: "papers", KeyColumn: "code", NameColumn: "name", Columns: []string{"name", "module_id", "level_id"}},
	EntityCenter:     {Type: EntityCenter, Table: "centers", KeyColumn: "code", NameColumn: "name", Columns: []string{"name", "district_id"}},
	EntityBranch:     {Type: EntityBranch, Table: "branches", KeyColumn: "code", NameColumn: "name", Columns: []string{"name", "center_id"}},
	EntitySeries:     {Type: EntitySeries, Table: "series", KeyColumn: "code", NameColumn: "name", Columns: []string{"name", "starts_on", "ends_on"}},
	EntityStaff:      {Type: EntityStaff, Table: "staff", KeyColumn: "code", NameColumn: "name", Columns: []string{"name", "role", "center_id"}},
	EntityCandidate:  {Type: EntityCandidate, Table: "candidates", KeyColumn: "regno", NameColumn: "name", Columns: []string{"name", "gender", "birth_year", "village_id", "occupation_id"}},
	EntityEnrollment: {Type: EntityEnrollment, Table: "enrollments", KeyColumn: "ekey", Columns: []string{"candidate_id", "series_id", "level_id", "category"}},
	EntityResult:     {Type: EntityResult, Table: "results", KeyColumn: "rkey", Columns: []string{"enrollment_id", "paper_id", "marks", "grade"}},
}

// Describe returns the storage descriptor for the given entity type.
func Describe(t EntityType) (Descriptor, error) {
	d, ok := descriptors[t]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown entity type %q", t)
	}
	return d, nil
}

// Types returns every registered entity type. Order is unspecified.
func Types() []EntityType {
	out := make([]EntityType, 0, len(descriptors))
	for t := range descriptors {
		out = append(out, t)
	}
	return out
}

// EnrollmentKey synthesizes the natural key of an enrollment aggregate.
// Level is zero for single-level categories; Worker's-PAS candidates hold one
// aggregate per level in the same series, so the level participates in the key.
func EnrollmentKey(candidateID, seriesID, levelID int64) string {
	return fmt.Sprintf("%d:%d:%d", candidateID, seriesID, levelID)
}

// ResultKey synthesizes the natural key of a result row.
func ResultKey(enrollmentID, paperID int64) string {
	return fmt.Sprintf("%d:%d", enrollmentID, paperID)
}
