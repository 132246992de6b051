// Package invariant evaluates declarative predicates over world state.
//
// An Invariant names a collection, a field, a comparison, and a threshold.
// Check walks every entity of each target collection and reports the first
// entity whose field does not satisfy the comparison.
package invariant

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/roach88/worldsim/internal/world"
)

// ErrInvariantViolation matches every *ViolationError.
var ErrInvariantViolation = errors.New("invariant violation")

// Condition is the comparison an invariant applies: observed <cond> threshold.
type Condition string

const (
	GTE Condition = "gte"
	GT  Condition = "gt"
	LTE Condition = "lte"
	LT  Condition = "lt"
	EQ  Condition = "eq"
	NE  Condition = "ne"
)

func (c Condition) ordering() bool {
	switch c {
	case GTE, GT, LTE, LT:
		return true
	}
	return false
}

func (c Condition) symbol() string {
	switch c {
	case GTE:
		return ">="
	case GT:
		return ">"
	case LTE:
		return "<="
	case LT:
		return "<"
	case EQ:
		return "=="
	case NE:
		return "!="
	}
	return string(c)
}

// Invariant is a predicate that must hold for every entity in Collection.
type Invariant struct {
	Name       string    `json:"name,omitempty" yaml:"name,omitempty"`
	Collection string    `json:"collection" yaml:"collection"`
	Field      string    `json:"field" yaml:"field"`
	Condition  Condition `json:"condition" yaml:"condition"`
	Threshold  any       `json:"threshold" yaml:"threshold"`
}

func (inv Invariant) String() string {
	if inv.Name != "" {
		return inv.Name
	}
	return fmt.Sprintf("%s.%s %s %v", inv.Collection, inv.Field, inv.Condition.symbol(), inv.Threshold)
}

// ViolationError identifies the entity that broke an invariant.
type ViolationError struct {
	Invariant Invariant
	EntityID  string

	// Observed is the field value found; Present is false when the field was absent.
	Observed any
	Present  bool
}

func (e *ViolationError) Error() string {
	if !e.Present {
		return fmt.Sprintf("invariant %s violated by %s/%s: field %q absent",
			e.Invariant, e.Invariant.Collection, e.EntityID, e.Invariant.Field)
	}
	return fmt.Sprintf("invariant %s violated by %s/%s: observed %v, want %s %v",
		e.Invariant, e.Invariant.Collection, e.EntityID,
		e.Observed, e.Invariant.Condition.symbol(), e.Invariant.Threshold)
}

func (e *ViolationError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// IsViolation reports whether err is or wraps an invariant violation.
func IsViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

// Validate checks that every invariant is well formed.
func Validate(invariants []Invariant) error {
	var errs []error
	for i, inv := range invariants {
		if inv.Collection == "" {
			errs = append(errs, fmt.Errorf("invariants[%d]: collection is required", i))
		}
		if inv.Field == "" {
			errs = append(errs, fmt.Errorf("invariants[%d]: field is required", i))
		}
		switch inv.Condition {
		case GTE, GT, LTE, LT, EQ, NE:
		default:
			errs = append(errs, fmt.Errorf("invariants[%d]: unknown condition %q", i, inv.Condition))
			continue
		}
		if inv.Condition.ordering() {
			if _, ok := Numeric(inv.Threshold); !ok {
				errs = append(errs, fmt.Errorf("invariants[%d]: %s requires a numeric threshold, got %T", i, inv.Condition, inv.Threshold))
			}
		}
	}
	return errors.Join(errs...)
}

// Check evaluates invariants in declaration order against view and returns
// the first violation. Entities are visited in ascending id order so the
// reported violation is deterministic.
func Check(invariants []Invariant, view world.View) error {
	for _, inv := range invariants {
		for id, entity := range view.GetCollection(inv.Collection).All() {
			observed, present := entity.Field(inv.Field)
			if !present || !holds(inv, observed) {
				return &ViolationError{
					Invariant: inv,
					EntityID:  id,
					Observed:  observed,
					Present:   present,
				}
			}
		}
	}
	return nil
}

func holds(inv Invariant, observed any) bool {
	if inv.Condition.ordering() {
		o, ok := Numeric(observed)
		if !ok {
			return false
		}
		t, ok := Numeric(inv.Threshold)
		if !ok {
			return false
		}
		switch inv.Condition {
		case GTE:
			return o >= t
		case GT:
			return o > t
		case LTE:
			return o <= t
		case LT:
			return o < t
		}
	}

	equal := valuesEqual(observed, inv.Threshold)
	if inv.Condition == NE {
		return !equal
	}
	return equal
}

// valuesEqual compares numbers numerically regardless of Go type and
// everything else with deep equality.
func valuesEqual(a, b any) bool {
	af, aNum := Numeric(a)
	bf, bNum := Numeric(b)
	if aNum && bNum {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

// Numeric converts any Go integer or float kind to float64.
func Numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
