// Package validator checks drained entries before they reach sinks.
package validator

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/jittakal/stagebuf/internal/errors"
	"github.com/jittakal/stagebuf/pkg/entry"
)

// Rejected pairs a drained entry with the reason it failed validation.
type Rejected struct {
	Pair entry.Pair
	Err  *errors.ValidationError
}

// EntryValidator validates drained pairs.
type EntryValidator struct {
	requireJSON bool
}

// NewEntryValidator creates a validator. When requireJSON is set, values
// must be well-formed JSON text.
func NewEntryValidator(requireJSON bool) *EntryValidator {
	return &EntryValidator{requireJSON: requireJSON}
}

// Validate validates a single pair.
func (v *EntryValidator) Validate(p entry.Pair) error {
	if verr := v.validate(p); verr != nil {
		return verr
	}
	return nil
}

func (v *EntryValidator) validate(p entry.Pair) *errors.ValidationError {
	e := p.Entry

	if p.Key == "" {
		return &errors.ValidationError{Key: p.Key, Field: "key", Reason: "required field is missing"}
	}

	if e.Key != p.Key {
		return &errors.ValidationError{
			Key:    p.Key,
			Field:  "key",
			Reason: fmt.Sprintf("entry key %q does not match buffer key", e.Key),
		}
	}

	if !e.Kind.Valid() {
		return &errors.ValidationError{Key: p.Key, Field: "kind", Reason: fmt.Sprintf("unknown kind %d", int(e.Kind))}
	}

	if v.requireJSON && !gjson.Valid(e.Value) {
		return &errors.ValidationError{Key: p.Key, Field: "value", Reason: "not valid JSON"}
	}

	if e.ReplaceNullPatches == "" {
		return nil
	}

	if e.Kind != entry.KindMerge {
		return &errors.ValidationError{
			Key:    p.Key,
			Field:  "replaceNullPatches",
			Reason: "only merge entries may carry patches",
		}
	}

	return validatePatches(p.Key, e.ReplaceNullPatches)
}

// validatePatches checks the [[pathSegments...], value] layout.
func validatePatches(key, raw string) *errors.ValidationError {
	if !gjson.Valid(raw) {
		return &errors.ValidationError{Key: key, Field: "replaceNullPatches", Reason: "not valid JSON"}
	}

	patches := gjson.Parse(raw)
	if !patches.IsArray() {
		return &errors.ValidationError{Key: key, Field: "replaceNullPatches", Reason: "must be a JSON array"}
	}

	var verr *errors.ValidationError
	patches.ForEach(func(i, patch gjson.Result) bool {
		elems := patch.Array()
		if !patch.IsArray() || len(elems) != 2 || !elems[0].IsArray() || len(elems[0].Array()) == 0 {
			verr = &errors.ValidationError{
				Key:    key,
				Field:  "replaceNullPatches",
				Reason: fmt.Sprintf("patch %d must be [[segment, ...], value]", i.Int()),
			}
			return false
		}
		return true
	})
	return verr
}

// Partition splits pairs into those that pass validation and those that
// do not. Input order is preserved in both results.
func (v *EntryValidator) Partition(pairs []entry.Pair) (valid []entry.Pair, rejected []Rejected) {
	valid = make([]entry.Pair, 0, len(pairs))
	for _, p := range pairs {
		if verr := v.validate(p); verr != nil {
			rejected = append(rejected, Rejected{Pair: p, Err: verr})
			continue
		}
		valid = append(valid, p)
	}
	return valid, rejected
}
