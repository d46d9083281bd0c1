package catalog

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr"

	"github.com/pitabwire/steward/model"
)

// VError describes a single validation error in a template.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ConditionEnv names the variables a step condition may reference. Conditions
// are compiled against it when a catalog is loaded but never evaluated.
type ConditionEnv struct {
	Sensitivity string `expr:"sensitivity"`
	Title       string `expr:"title"`
	Applicant   string `expr:"applicant"`
	StepNumber  int    `expr:"step_number"`
}

// Validator checks templates structurally before they are published.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all templates and returns every problem found.
func (v *Validator) Validate(templates []model.FlowTemplate) []VError {
	var errs []VError
	names := make(map[string]int, len(templates))

	for i, t := range templates {
		prefix := fmt.Sprintf("templates[%d]", i)

		if t.Name == "" {
			errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
		} else if first, dup := names[t.Name]; dup {
			errs = append(errs, VError{
				Path:    prefix + ".name",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("template %q already defined at templates[%d]", t.Name, first),
			})
		} else {
			names[t.Name] = i
		}

		errs = append(errs, v.validateSteps(prefix, t.Steps)...)
	}

	return errs
}

func (v *Validator) validateSteps(prefix string, steps []model.FlowStepTemplate) []VError {
	if len(steps) == 0 {
		return []VError{{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"}}
	}

	var errs []VError
	seen := make(map[int]bool, len(steps))
	numbers := make([]int, 0, len(steps))

	for i, s := range steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)

		if s.StepNumber < 1 {
			errs = append(errs, VError{Path: sp + ".step_number", Code: "INVALID", Message: "step_number must be positive"})
		} else if seen[s.StepNumber] {
			errs = append(errs, VError{
				Path:    sp + ".step_number",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("step_number %d is used more than once", s.StepNumber),
			})
		} else {
			seen[s.StepNumber] = true
			numbers = append(numbers, s.StepNumber)
		}

		if s.NodeType == "" {
			errs = append(errs, VError{Path: sp + ".node_type", Code: "REQUIRED", Message: "node_type is required"})
		}

		if s.Condition != "" {
			if _, err := expr.Compile(s.Condition, expr.Env(ConditionEnv{}), expr.AsBool()); err != nil {
				errs = append(errs, VError{
					Path:    sp + ".condition",
					Code:    "INVALID_EXPRESSION",
					Message: err.Error(),
				})
			}
		}
	}

	sort.Ints(numbers)
	for i, n := range numbers {
		if n != i+1 {
			errs = append(errs, VError{
				Path:    prefix + ".steps",
				Code:    "NOT_CONTIGUOUS",
				Message: fmt.Sprintf("step numbers must run 1..%d without gaps, found %d at position %d", len(steps), n, i+1),
			})
			break
		}
	}

	return errs
}
