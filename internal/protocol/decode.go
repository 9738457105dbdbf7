package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnknownField marks a payload carrying a key its target does not declare.
var ErrUnknownField = errors.New("unknown field")

// Decode reads one JSON value from r into v. Keys v does not declare are
// rejected with ErrUnknownField so a misspelt option never falls back to
// its default silently.
func Decode(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		// encoding/json has no typed error for this case.
		if field, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
			return fmt.Errorf("%w %s", ErrUnknownField, field)
		}
		return err
	}
	return nil
}
