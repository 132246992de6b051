// Package contract validates tool outputs and entity payloads against
// structural schemas before they are allowed to mutate world state.
package contract

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOutputContractViolation matches every *ViolationError.
var ErrOutputContractViolation = errors.New("output contract violation")

// Contract is a structural validation capability. A nil or empty result
// means the value conforms.
type Contract interface {
	Validate(value any) []error
}

// Func adapts a plain function to Contract.
type Func func(value any) []error

func (f Func) Validate(value any) []error {
	return f(value)
}

// Any accepts every value.
var Any Contract = Func(func(any) []error { return nil })

// RequireFields accepts objects that carry every named top-level field with
// a non-nil value.
func RequireFields(fields ...string) Contract {
	return Func(func(value any) []error {
		obj, ok := value.(map[string]any)
		if !ok {
			return []error{&Problem{Message: fmt.Sprintf("expected object, got %T", value)}}
		}
		var problems []error
		for _, f := range fields {
			if v, ok := obj[f]; !ok || v == nil {
				problems = append(problems, &Problem{Path: f, Message: "required field missing"})
			}
		}
		return problems
	})
}

// Problem is one structural failure, located by a dotted path when known.
type Problem struct {
	Path    string
	Message string
}

func (p *Problem) Error() string {
	if p.Path == "" {
		return p.Message
	}
	return fmt.Sprintf("%s: %s", p.Path, p.Message)
}

// ViolationError reports that a tool's output failed its contract.
type ViolationError struct {
	Tool     string
	Problems []error
}

func (e *ViolationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("output of %s violates contract: %s", e.Tool, strings.Join(msgs, "; "))
}

func (e *ViolationError) Is(target error) bool {
	return target == ErrOutputContractViolation
}

// Check validates value and wraps any problems in a *ViolationError.
// A nil contract accepts everything.
func Check(tool string, c Contract, value any) error {
	if c == nil {
		return nil
	}
	if problems := c.Validate(value); len(problems) > 0 {
		return &ViolationError{Tool: tool, Problems: problems}
	}
	return nil
}
