// Package classify compiles the configured conditions into set computations
// over the sharded tables and reconciles the results into
// classification_state.
package classify

import (
	"fmt"
	"time"

	"github.com/dirbs/dirbs-core/internal/config"
)

// Condition is one compiled classification condition: an intersection of
// dimension sets plus the settings that govern blocking and state
// transitions.
type Condition struct {
	Label                   string
	Reason                  string
	GracePeriodDays         int
	Blocking                bool
	Sticky                  bool
	MaxAllowedMatchingRatio float64
	AmnestyEligible         bool
	Dimensions              []boundDimension
}

// boundDimension pairs a dimension with its invert flag. An inverted
// dimension contributes the observed universe minus its matching set.
type boundDimension struct {
	dim    dimension
	invert bool
}

// Compile turns the validated config conditions into executable ones. Config
// validation has already checked labels, reasons and flag combinations; this
// step resolves dimension modules and their parameters.
func Compile(conds []config.Condition) ([]Condition, error) {
	out := make([]Condition, 0, len(conds))
	for _, c := range conds {
		compiled := Condition{
			Label:                   c.Label,
			Reason:                  c.Reason,
			GracePeriodDays:         c.GracePeriodDays,
			Blocking:                c.Blocking,
			Sticky:                  c.Sticky,
			MaxAllowedMatchingRatio: c.MaxAllowedMatchingRatio,
			AmnestyEligible:         c.AmnestyEligible,
		}
		for _, d := range c.Dimensions {
			dim, err := newDimension(d.Module, d.Parameters)
			if err != nil {
				return nil, fmt.Errorf("condition %s: %w", c.Label, err)
			}
			compiled.Dimensions = append(compiled.Dimensions, boundDimension{dim: dim, invert: d.Invert})
		}
		out = append(out, compiled)
	}
	return out, nil
}

// BlockDate returns the date the grace period expires for a row opened on
// startDate.
func (c Condition) BlockDate(startDate time.Time) time.Time {
	return startDate.AddDate(0, 0, c.GracePeriodDays)
}

// SafetyError reports a condition whose matching set exceeded its
// max_allowed_matching_ratio. The condition is skipped; other conditions in
// the run are unaffected.
type SafetyError struct {
	Label    string
	Matched  int64
	Observed int64
	MaxRatio float64
}

func (e *SafetyError) Error() string {
	ratio := 0.0
	if e.Observed > 0 {
		ratio = float64(e.Matched) / float64(e.Observed)
	}
	return fmt.Sprintf(
		"condition %s matched %d of %d observed IMEIs (ratio %.4f exceeds maximum %.4f), classification skipped",
		e.Label, e.Matched, e.Observed, ratio, e.MaxRatio)
}
