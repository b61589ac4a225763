package domain

import "sort"

// Wildcard matches every event type.
const Wildcard = "*"

// EventFilter selects which event types a subscription receives.
// It is either the wildcard or an explicit set of type names.
type EventFilter struct {
	all   bool
	types map[string]struct{}
}

// AllEvents returns the wildcard filter.
func AllEvents() EventFilter {
	return EventFilter{all: true}
}

// EventTypes returns a filter matching exactly the given type names.
func EventTypes(names ...string) EventFilter {
	f := EventFilter{types: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n == Wildcard {
			return AllEvents()
		}
		f.types[n] = struct{}{}
	}
	return f
}

// ParseFilter builds a filter from its stored representation.
// A nil/empty slice or a slice containing "*" means match-all.
func ParseFilter(raw []string) EventFilter {
	if len(raw) == 0 {
		return AllEvents()
	}
	return EventTypes(raw...)
}

// Matches reports whether the filter selects the given event type.
// Matching is exact string comparison; the only special form is the wildcard.
func (f EventFilter) Matches(eventType string) bool {
	if f.all {
		return true
	}
	_, ok := f.types[eventType]
	return ok
}

// IsAll reports whether this is the wildcard filter.
func (f EventFilter) IsAll() bool {
	return f.all
}

// Types returns the stored representation: ["*"] for the wildcard,
// otherwise the sorted type names.
func (f EventFilter) Types() []string {
	if f.all {
		return []string{Wildcard}
	}
	names := make([]string, 0, len(f.types))
	for n := range f.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
