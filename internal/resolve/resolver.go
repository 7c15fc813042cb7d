// Package resolve turns legacy entity references into canonical references
// via a tiered matching strategy: exact identity is trusted over code
// heuristics, which are trusted over name heuristics.
package resolve

import (
	"context"
	"fmt"

	"tradereg/internal/canonical"
	"tradereg/internal/mapping"
)

// Tier identifies which matching strategy produced a resolution.
type Tier int

const (
	// TierDirect means the legacy id was already carried over as a canonical
	// id, found either in the mapping store or directly in the target store.
	TierDirect Tier = iota + 1
	// TierCode matched a duplicate-suffix-normalized business code.
	TierCode
	// TierName matched a normalized display name.
	TierName
)

func (t Tier) String() string {
	switch t {
	case TierDirect:
		return "direct"
	case TierCode:
		return "code"
	case TierName:
		return "name"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Ref is a legacy entity reference carrying whatever identifying material the
// source row had. Zero/empty fields are simply skipped by the tiers that
// would need them.
type Ref struct {
	LegacyID int64
	Code     string
	Name     string
	Table    string // source table, for unresolved reports
}

// Result is a successful resolution.
type Result struct {
	CanonicalID int64
	Tier        Tier
}

// UnresolvedError reports a reference no tier could match, with enough
// context for a human to supply a manual mapping. Callers skip the dependent
// record and accumulate these; they must never guess a target.
type UnresolvedError struct {
	Type canonical.EntityType
	Ref  Ref
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved %s reference (legacy id %d, code %q, name %q, table %s)",
		e.Type, e.Ref.LegacyID, e.Ref.Code, e.Ref.Name, e.Ref.Table)
}

// Index is the read-only view of the target store the resolver matches
// against. Implementations must compare codes exactly (callers pass
// normalized codes) and names under NormalizeName semantics.
type Index interface {
	// ExistsID reports whether a canonical record of the given type already
	// owns the id.
	ExistsID(ctx context.Context, t canonical.EntityType, id int64) (bool, error)
	// LookupCode finds a canonical id by exact natural key.
	LookupCode(ctx context.Context, t canonical.EntityType, code string) (int64, bool, error)
	// LookupName finds a canonical id by normalized display name.
	LookupName(ctx context.Context, t canonical.EntityType, name string) (int64, bool, error)
}

// Resolver applies the tiers in order, first match wins. It is a pure
// function of its inputs, the mapping store snapshot and the target index; no
// other state is consulted, so all tiers are unit-testable deterministically.
type Resolver struct {
	mappings          *mapping.Store
	index             Index
	duplicateSuffixes []string
}

// New constructs a resolver. A nil duplicateSuffixes falls back to
// DefaultDuplicateSuffixes.
func New(mappings *mapping.Store, index Index, duplicateSuffixes []string) *Resolver {
	if duplicateSuffixes == nil {
		duplicateSuffixes = DefaultDuplicateSuffixes
	}
	return &Resolver{mappings: mappings, index: index, duplicateSuffixes: duplicateSuffixes}
}

// DuplicateSuffixes returns the configured duplicate-suffix markers.
func (r *Resolver) DuplicateSuffixes() []string { return r.duplicateSuffixes }

// Resolve maps a legacy reference to its canonical id. Successful code and
// name matches record a mapping entry from the legacy id to the survivor's
// canonical id so later stages resolve the same reference on tier one.
func (r *Resolver) Resolve(ctx context.Context, t canonical.EntityType, ref Ref) (Result, error) {
	// Tier 1: direct id carry-over.
	if ref.LegacyID != 0 {
		if id, ok := r.mappings.Get(t, ref.LegacyID); ok {
			return Result{CanonicalID: id, Tier: TierDirect}, nil
		}
		ok, err := r.index.ExistsID(ctx, t, ref.LegacyID)
		if err != nil {
			return Result{}, fmt.Errorf("resolve %s id %d: %w", t, ref.LegacyID, err)
		}
		if ok {
			if err := r.record(t, ref.LegacyID, ref.LegacyID); err != nil {
				return Result{}, err
			}
			return Result{CanonicalID: ref.LegacyID, Tier: TierDirect}, nil
		}
	}

	// Tier 2: duplicate-suffix-normalized code match.
	if code := NormalizeCode(ref.Code, r.duplicateSuffixes); code != "" {
		id, ok, err := r.index.LookupCode(ctx, t, code)
		if err != nil {
			return Result{}, fmt.Errorf("resolve %s code %q: %w", t, code, err)
		}
		if ok {
			if err := r.record(t, ref.LegacyID, id); err != nil {
				return Result{}, err
			}
			return Result{CanonicalID: id, Tier: TierCode}, nil
		}
	}

	// Tier 3: normalized display-name match.
	if name := NormalizeName(ref.Name); name != "" {
		id, ok, err := r.index.LookupName(ctx, t, name)
		if err != nil {
			return Result{}, fmt.Errorf("resolve %s name %q: %w", t, name, err)
		}
		if ok {
			if err := r.record(t, ref.LegacyID, id); err != nil {
				return Result{}, err
			}
			return Result{CanonicalID: id, Tier: TierName}, nil
		}
	}

	return Result{}, &UnresolvedError{Type: t, Ref: ref}
}

func (r *Resolver) record(t canonical.EntityType, legacyID, canonicalID int64) error {
	if legacyID == 0 {
		return nil
	}
	return r.mappings.Put(t, legacyID, canonicalID)
}
