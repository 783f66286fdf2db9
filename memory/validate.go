package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Result is the outcome of validating an agent's structured output. It is
// either Valid or Invalid; callers switch on the concrete type.
type Result interface {
	isResult()
}

// Valid carries the decoded record (*RCAResult, *FixPlan or *PatchMetadata).
type Valid struct {
	Record any
}

// Invalid lists the JSON field names that were missing or failed their
// constraint, plus a decode problem when the payload did not fit the record
// shape at all.
type Invalid struct {
	MissingFields []string
	Problem       string
}

func (Valid) isResult()   {}
func (Invalid) isResult() {}

// Error describes the failure.
func (i Invalid) Error() string {
	if i.Problem != "" {
		return i.Problem
	}
	return "missing or invalid fields: " + strings.Join(i.MissingFields, ", ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// NewRecord returns an empty record for a section.
func NewRecord(section Section) (any, error) {
	switch section {
	case SectionRCA:
		return &RCAResult{}, nil
	case SectionFixPlan:
		return &FixPlan{}, nil
	case SectionPatchMetadata:
		return &PatchMetadata{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSection, section)
	}
}

// Validate checks an externally produced payload against the required
// fields of the section's record.
func Validate(section Section, payload map[string]any) Result {
	rec, err := NewRecord(section)
	if err != nil {
		return Invalid{Problem: err.Error()}
	}
	if payload == nil {
		return Invalid{Problem: "empty payload"}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return Invalid{Problem: fmt.Sprintf("payload is not JSON-compatible: %v", err)}
	}
	if err := json.Unmarshal(b, rec); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return Invalid{
				MissingFields: []string{typeErr.Field},
				Problem:       fmt.Sprintf("field %s: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value),
			}
		}
		return Invalid{Problem: fmt.Sprintf("payload does not match %s record: %v", section, err)}
	}

	if err := validate.Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return Invalid{Problem: err.Error()}
		}
		seen := make(map[string]bool)
		var fields []string
		for _, fe := range verrs {
			name := topLevelField(fe.Namespace())
			if !seen[name] {
				seen[name] = true
				fields = append(fields, name)
			}
		}
		sort.Strings(fields)
		return Invalid{MissingFields: fields}
	}
	return Valid{Record: rec}
}

// topLevelField turns "RCAResult.evidence[0]" into "evidence".
func topLevelField(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	if i := strings.IndexAny(ns, ".["); i >= 0 {
		ns = ns[:i]
	}
	return ns
}
