package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/jornada/model"
)

// Validation codes carried in model.FieldError.Code.
const (
	CodeRequired          = "REQUIRED"
	CodeInvalidType       = "INVALID_TYPE"
	CodeInvalidValue      = "INVALID_VALUE"
	CodeDuplicatePosition = "DUPLICATE_POSITION"
	CodeMissingPosition   = "MISSING_POSITION"
	CodeNoMandatoryStage  = "NO_MANDATORY_STAGE"
)

// Validate checks a template input structurally. It returns every problem
// found rather than stopping at the first.
func Validate(in TemplateInput) []model.FieldError {
	var errs []model.FieldError

	if strings.TrimSpace(in.Name) == "" {
		errs = append(errs, model.FieldError{Field: "name", Code: CodeRequired, Message: "name is required"})
	}
	if len(in.Stages) == 0 {
		errs = append(errs, model.FieldError{Field: "stages", Code: CodeRequired, Message: "at least one stage is required"})
		return errs
	}

	mandatory := 0
	for i, st := range in.Stages {
		errs = append(errs, validateStage(fmt.Sprintf("stages[%d]", i), st)...)
		if st.Mandatory {
			mandatory++
		}
	}
	if mandatory == 0 {
		errs = append(errs, model.FieldError{Field: "stages", Code: CodeNoMandatoryStage, Message: "at least one stage must be mandatory"})
	}

	return append(errs, validatePositions(in.Stages)...)
}

func validateStage(prefix string, st StageInput) []model.FieldError {
	var errs []model.FieldError

	if strings.TrimSpace(st.Title) == "" {
		errs = append(errs, model.FieldError{Field: prefix + ".title", Code: CodeRequired, Message: "title is required"})
	}
	if !st.Type.Valid() {
		errs = append(errs, model.FieldError{
			Field:   prefix + ".type",
			Code:    CodeInvalidType,
			Message: fmt.Sprintf("unknown stage type %q", st.Type),
		})
	}
	if st.SLAHours < 0 {
		errs = append(errs, model.FieldError{Field: prefix + ".sla_hours", Code: CodeInvalidValue, Message: "sla_hours must not be negative"})
	}

	return errs
}

// validatePositions requires positions 1..n, each exactly once.
func validatePositions(stages []StageInput) []model.FieldError {
	var errs []model.FieldError

	seen := make(map[int]int, len(stages))
	for i, st := range stages {
		if st.Position < 1 {
			errs = append(errs, model.FieldError{
				Field:   fmt.Sprintf("stages[%d].position", i),
				Code:    CodeInvalidValue,
				Message: "position must start at 1",
			})
			continue
		}
		if first, dup := seen[st.Position]; dup {
			errs = append(errs, model.FieldError{
				Field:   fmt.Sprintf("stages[%d].position", i),
				Code:    CodeDuplicatePosition,
				Message: fmt.Sprintf("position %d already used by stages[%d]", st.Position, first),
			})
			continue
		}
		seen[st.Position] = i
	}

	var missing []int
	for p := 1; p <= len(stages); p++ {
		if _, ok := seen[p]; !ok {
			missing = append(missing, p)
		}
	}
	sort.Ints(missing)
	for _, p := range missing {
		errs = append(errs, model.FieldError{
			Field:   "stages",
			Code:    CodeMissingPosition,
			Message: fmt.Sprintf("position %d is missing", p),
		})
	}
	return errs
}
