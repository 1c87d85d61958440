package service

import (
	"fmt"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
)

// ConstraintValidator rejects requests whose parameters violate a model's
// fixed values before any lane or queue resource is touched. The
// constraint table comes from the model-configuration source of truth,
// loaded once at startup and read-only afterwards.
type ConstraintValidator struct {
	constraints map[string]domain.GenerationConstraints
}

func NewConstraintValidator(constraints []domain.GenerationConstraints) *ConstraintValidator {
	table := make(map[string]domain.GenerationConstraints, len(constraints))
	for _, c := range constraints {
		table[c.Model] = c
	}
	return &ConstraintValidator{constraints: table}
}

// Lookup returns the constraints for a model, or ErrUnknownModel.
func (v *ConstraintValidator) Lookup(model string) (domain.GenerationConstraints, error) {
	c, ok := v.constraints[model]
	if !ok {
		return domain.GenerationConstraints{}, domain.ErrUnknownModel
	}
	return c, nil
}

// Models returns the enumerated set of valid models.
func (v *ConstraintValidator) Models() []string {
	out := make([]string, 0, len(v.constraints))
	for model := range v.constraints {
		out = append(out, model)
	}
	return out
}

// Validate checks the parameters against the model's fixed values.
// Fixed values must match exactly. A nil error means valid; otherwise a
// *domain.RequestError names the violated constraint.
func (v *ConstraintValidator) Validate(model string, params domain.GenerationParams) error {
	c, ok := v.constraints[model]
	if !ok {
		return domain.NewValidationError(fmt.Sprintf("unknown model %q", model))
	}

	if params.Steps != c.FixedSteps {
		return domain.NewValidationError(fmt.Sprintf(
			"model %q requires steps=%d, got %d", model, c.FixedSteps, params.Steps))
	}

	if c.FixedCfg != nil {
		if params.Cfg == nil {
			return domain.NewValidationError(fmt.Sprintf(
				"model %q requires cfg=%g, got none", model, *c.FixedCfg))
		}
		if *params.Cfg != *c.FixedCfg {
			return domain.NewValidationError(fmt.Sprintf(
				"model %q requires cfg=%g, got %g", model, *c.FixedCfg, *params.Cfg))
		}
	}

	return nil
}
