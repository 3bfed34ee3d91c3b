// internal/multiplayer/rules.go
package multiplayer

import "github.com/ppy/osu-server-spectator/internal/database"

// ModRules is the mod-set legality contract, implemented by the external
// rules library. The coordinator and queue only ever consult it; they never
// reason about individual acronyms.
type ModRules interface {
	// IsValidRuleset reports whether the ruleset id is playable.
	IsValidRuleset(rulesetID int) bool
	// CheckCompatibleSet reports whether the union of required and allowed
	// mods is pairwise compatible for the ruleset.
	CheckCompatibleSet(rulesetID int, required, allowed []database.Mod) bool
	// IsValidSelection reports whether a user's selection is legal against
	// an item's required and allowed mods.
	IsValidSelection(rulesetID int, selected, required, allowed []database.Mod) bool
}

// DefaultModRules is a permissive stand-in used when the real rules library
// is not wired: it enforces structural validity only (known ruleset range,
// no duplicate acronyms, selections drawn from the allowed set).
type DefaultModRules struct{}

func (DefaultModRules) IsValidRuleset(rulesetID int) bool {
	return rulesetID >= 0 && rulesetID <= 3
}

func (DefaultModRules) CheckCompatibleSet(rulesetID int, required, allowed []database.Mod) bool {
	if !(DefaultModRules{}).IsValidRuleset(rulesetID) {
		return false
	}
	seen := make(map[string]struct{}, len(required)+len(allowed))
	for _, m := range required {
		if _, dup := seen[m.Acronym]; dup {
			return false
		}
		seen[m.Acronym] = struct{}{}
	}
	for _, m := range allowed {
		if _, dup := seen[m.Acronym]; dup {
			return false
		}
		seen[m.Acronym] = struct{}{}
	}
	return true
}

func (DefaultModRules) IsValidSelection(rulesetID int, selected, required, allowed []database.Mod) bool {
	permitted := make(map[string]struct{}, len(allowed))
	for _, m := range allowed {
		permitted[m.Acronym] = struct{}{}
	}
	seen := make(map[string]struct{}, len(selected))
	for _, m := range selected {
		if _, ok := permitted[m.Acronym]; !ok {
			return false
		}
		if _, dup := seen[m.Acronym]; dup {
			return false
		}
		seen[m.Acronym] = struct{}{}
	}
	return true
}
