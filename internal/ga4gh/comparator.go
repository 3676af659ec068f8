package ga4gh

import (
	"fmt"

	"github.com/DataBiosphere/externalcreds/domain"
	"github.com/DataBiosphere/externalcreds/errors"
)

// Criterion is a caller-supplied predicate a visa can be matched against.
// Each criterion names the visa type it applies to; dispatch to the right
// comparator happens by that type.
type Criterion interface {
	VisaType() string
}

// Comparator answers authorization questions for one supported visa type.
type Comparator interface {
	// VisaTypeSupported reports whether this comparator understands visas
	// of the given type.
	VisaTypeSupported(visaType string) bool
	// AuthorizationsMatch reports whether two visas assert the same set of
	// authorizations, independent of entry order. Used to detect whether a
	// user's authorizations actually changed between refreshes.
	AuthorizationsMatch(a, b *domain.Visa) (bool, error)
	// MatchesCriterion reports whether the visa satisfies the criterion:
	// true iff at least one embedded authorization entry matches.
	MatchesCriterion(visa *domain.Visa, criterion Criterion) (bool, error)
}

// ComparatorRegistry dispatches to one comparator per visa-type URI.
// Unknown types fail loudly as a caller error rather than defaulting to a
// silent non-match.
type ComparatorRegistry struct {
	comparators map[string]Comparator
}

// NewComparatorRegistry creates a registry with all built-in comparators
// registered.
func NewComparatorRegistry() *ComparatorRegistry {
	r := &ComparatorRegistry{comparators: make(map[string]Comparator)}
	r.Register(VisaTypeRASv11, NewRASv11Comparator())
	return r
}

// Register adds a comparator for a visa-type URI.
func (r *ComparatorRegistry) Register(visaType string, c Comparator) {
	r.comparators[visaType] = c
}

// ForVisaType returns the comparator for a visa-type URI.
func (r *ComparatorRegistry) ForVisaType(visaType string) (Comparator, error) {
	c, ok := r.comparators[visaType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnsupportedCriterion, visaType)
	}
	return c, nil
}
