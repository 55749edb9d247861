package rules

import (
	"errors"
	"fmt"
)

// MaxNeighbors is the size of the 3D Moore neighborhood.
const MaxNeighbors = 26

// MaxAge caps the generation counter carried by a living cell.
const MaxAge = 255

// ErrInvalidRuleSet is returned when a rule set violates its invariants.
// The previously active rule set stays in effect.
var ErrInvalidRuleSet = errors.New("invalid rule set")

// Family identifies one of the built-in rule parameterizations.
type Family int32

const (
	Classic Family = iota
	HighLife3D
	DayAndNight3D
	Custom
)

func (f Family) String() string {
	switch f {
	case Classic:
		return "classic"
	case HighLife3D:
		return "highlife-3d"
	case DayAndNight3D:
		return "dayandnight-3d"
	case Custom:
		return "custom"
	default:
		return fmt.Sprintf("family(%d)", int32(f))
	}
}

// FamilyByName resolves a family identifier as used in flags and settings.
func FamilyByName(name string) (Family, bool) {
	switch name {
	case "classic":
		return Classic, true
	case "highlife-3d", "highlife":
		return HighLife3D, true
	case "dayandnight-3d", "dayandnight":
		return DayAndNight3D, true
	case "custom":
		return Custom, true
	}
	return 0, false
}

// RuleSet is an immutable rule parameterization. For the built-in
// families the survive range is authoritative and the birth condition is
// family-defined; for Custom both ranges come from the caller.
type RuleSet struct {
	Family     Family `json:"familyId"`
	SurviveMin int    `json:"surviveMin"`
	SurviveMax int    `json:"surviveMax"`
	BirthMin   int    `json:"birthMin"`
	BirthMax   int    `json:"birthMax"`
}

// ForFamily returns the canonical parameterization of a built-in family.
// Custom has no canonical form; callers build it with NewCustom.
func ForFamily(f Family) RuleSet {
	switch f {
	case HighLife3D:
		return RuleSet{Family: HighLife3D, SurviveMin: 4, SurviveMax: 6, BirthMin: 3, BirthMax: 6}
	case DayAndNight3D:
		return RuleSet{Family: DayAndNight3D, SurviveMin: 3, SurviveMax: 8, BirthMin: 3, BirthMax: 8}
	default:
		return RuleSet{Family: Classic, SurviveMin: 4, SurviveMax: 6, BirthMin: 4, BirthMax: 4}
	}
}

// NewCustom builds a Custom rule with an exact birth count.
func NewCustom(surviveMin, surviveMax, birthCount int) RuleSet {
	return RuleSet{Family: Custom, SurviveMin: surviveMin, SurviveMax: surviveMax, BirthMin: birthCount, BirthMax: birthCount}
}

// NewCustomRange builds a Custom rule with a birth interval.
func NewCustomRange(surviveMin, surviveMax, birthMin, birthMax int) RuleSet {
	return RuleSet{Family: Custom, SurviveMin: surviveMin, SurviveMax: surviveMax, BirthMin: birthMin, BirthMax: birthMax}
}

// Validate reports whether the rule set satisfies
// 0 <= SurviveMin <= SurviveMax <= 26 and 0 <= BirthMin <= BirthMax <= 26.
func Validate(rs RuleSet) error {
	switch rs.Family {
	case Classic, HighLife3D, DayAndNight3D, Custom:
	default:
		return fmt.Errorf("%w: unknown family %d", ErrInvalidRuleSet, rs.Family)
	}
	if rs.SurviveMin < 0 || rs.SurviveMax > MaxNeighbors || rs.SurviveMin > rs.SurviveMax {
		return fmt.Errorf("%w: survive range [%d,%d]", ErrInvalidRuleSet, rs.SurviveMin, rs.SurviveMax)
	}
	if rs.BirthMin < 0 || rs.BirthMax > MaxNeighbors || rs.BirthMin > rs.BirthMax {
		return fmt.Errorf("%w: birth range [%d,%d]", ErrInvalidRuleSet, rs.BirthMin, rs.BirthMax)
	}
	return nil
}

// Survives reports whether a living cell with the given neighbor count
// stays alive.
func Survives(rs RuleSet, neighbors int) bool {
	return neighbors >= rs.SurviveMin && neighbors <= rs.SurviveMax
}

// Born reports whether a dead cell with the given neighbor count comes
// alive. HighLife-3D and DayAndNight-3D have non-contiguous birth sets,
// so the check is per family rather than a single interval.
func Born(rs RuleSet, neighbors int) bool {
	switch rs.Family {
	case HighLife3D:
		return neighbors == 3 || neighbors == 6
	case DayAndNight3D:
		return neighbors == 3 || (neighbors >= 6 && neighbors <= 8)
	default:
		return neighbors >= rs.BirthMin && neighbors <= rs.BirthMax
	}
}

// Evaluate computes the next state of one cell. State 0 is dead; any
// non-zero state is alive and the value counts generations survived,
// saturating at MaxAge. Evaluate is a pure function of its arguments.
func Evaluate(rs RuleSet, state uint32, neighbors int) uint32 {
	if state != 0 {
		if Survives(rs, neighbors) {
			if state >= MaxAge {
				return MaxAge
			}
			return state + 1
		}
		return 0
	}
	if Born(rs, neighbors) {
		return 1
	}
	return 0
}
