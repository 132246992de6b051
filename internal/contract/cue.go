package contract

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CUE is a contract backed by a CUE schema. A value conforms when it unifies
// with the schema and the result is fully concrete, so every regular field the
// schema declares must be present. Fields the schema does not mention are
// allowed unless the schema closes the struct.
//
//	c, err := contract.CompileCUE(`booking_id: string, seats: int & >0`)
//
// A CUE value is shared by every run that uses the tool; the mutex guards
// the underlying runtime, which is not safe for concurrent unification.
type CUE struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
	source string
}

// CompileError reports a schema that does not compile.
type CompileError struct {
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%d:%d: %s", e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// CompileCUE compiles source into a contract.
func CompileCUE(source string) (*CUE, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(source, cue.Filename("contract.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return &CUE{ctx: ctx, schema: schema, source: source}, nil
}

// MustCompileCUE is like CompileCUE but panics on error.
func MustCompileCUE(source string) *CUE {
	c, err := CompileCUE(source)
	if err != nil {
		panic(err)
	}
	return c
}

// Source returns the schema text.
func (c *CUE) Source() string {
	return c.source
}

// Validate implements Contract.
func (c *CUE) Validate(value any) []error {
	c.mu.Lock()
	defer c.mu.Unlock()

	encoded := c.ctx.Encode(value)
	if err := encoded.Err(); err != nil {
		return []error{&Problem{Message: fmt.Sprintf("value not representable: %v", err)}}
	}

	unified := c.schema.Unify(encoded)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return problems(err)
	}
	return nil
}

func problems(err error) []error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return []error{&Problem{Message: err.Error()}}
	}
	out := make([]error, 0, len(errs))
	for _, e := range errs {
		format, args := e.Msg()
		out = append(out, &Problem{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	return out
}

// formatCUEError extracts the first positioned error from a CUE error list.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &CompileError{Message: err.Error()}
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Message: first.Error(), Pos: positions[0]}
	}
	return &CompileError{Message: first.Error()}
}
