package engine

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json names so error frames match what the client sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Bind decodes a frame payload into v and validates it. Decode failures
// are protocol errors; constraint failures are *ValidationError.
func Bind(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return Protocolf("malformed payload: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{Field: fieldPath(verrs[0].Namespace()), Tag: verrs[0].Tag()}
		}
		return Protocolf("invalid payload: %v", err)
	}
	return nil
}

// fieldPath drops the root struct name from a validator namespace,
// e.g. "CommentNew.comment.text" -> "comment.text".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
