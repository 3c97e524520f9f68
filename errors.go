//   Copyright 2020 DigitalOcean
//
//   Licensed under the Apache License, Version 2.0 (the "License");
//   you may not use this file except in compliance with the License.
//   You may obtain a copy of the License at
//
//       http://www.apache.org/licenses/LICENSE-2.0
//
//   Unless required by applicable law or agreed to in writing, software
//   distributed under the License is distributed on an "AS IS" BASIS,
//   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//   See the License for the specific language governing permissions and
//   limitations under the License.

package crush

import "fmt"

// ErrorKind classifies the parse/validation errors a Crushmap can raise.
// Runtime mapping failures are never represented by ErrorKind: they are
// soft failures (null slots or a shorter list), never Go errors.
type ErrorKind int

const (
	// ErrSchema covers unknown keys, wrong types, missing required
	// fields and duplicate ids/names.
	ErrSchema ErrorKind = iota
	// ErrSemanticReference covers dangling or cyclic references.
	ErrSemanticReference
	// ErrRuleShape covers malformed rules: steps too short/long, unknown
	// op/type, or a rule that does not end with emit.
	ErrRuleShape
	// ErrBackwardCompat covers use of the legacy straw algorithm or
	// legacy tunables/steps without the compatibility flag.
	ErrBackwardCompat
	// ErrOverlayShape covers malformed choose_args: wrong-length ids or
	// weight_set rows, or a bucket reference that is both/neither an id
	// and a name.
	ErrOverlayShape
)

func (k ErrorKind) String() string {
	switch k {
	case ErrSchema:
		return "schema"
	case ErrSemanticReference:
		return "semantic-reference"
	case ErrRuleShape:
		return "rule-shape"
	case ErrBackwardCompat:
		return "backward-compat"
	case ErrOverlayShape:
		return "overlay-shape"
	default:
		return "unknown"
	}
}

// Error is the structured error type raised during Parse. It always
// carries the location (a human-readable path into the crushmap, e.g.
// "trees[0].children[2]" or "rules.replicated[1]") of the offending
// element.
type Error struct {
	Kind     ErrorKind
	Location string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Location, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, location string, format string, args ...interface{}) *Error {
	return &Error{
		Kind:     kind,
		Location: location,
		Err:      fmt.Errorf(format, args...),
	}
}
