// Package priority holds the value rules for ALB listener rule priorities
// shared by the allocator and every store or rule-source adapter.
package priority

import (
	"slices"
	"strconv"
	"strings"
)

const (
	// Min is the lowest priority an ALB listener rule may carry.
	Min = 1

	// Max is the highest priority an ALB listener rule may carry.
	Max = 50000
)

// Valid reports whether p lies in [Min, Max].
func Valid(p int) bool {
	return p >= Min && p <= Max
}

// Parse converts a decimal string into a priority. It returns false for
// empty, non-numeric or out-of-range input, which includes the "default"
// value ALB reports for a listener's catch-all rule.
func Parse(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	p, err := strconv.Atoi(s)
	if err != nil || !Valid(p) {
		return 0, false
	}

	return p, true
}

// Set is an unordered collection of priorities. The zero value is not usable;
// create one with [NewSet].
type Set map[int]struct{}

// NewSet returns a Set holding the given priorities.
func NewSet(priorities ...int) Set {
	s := make(Set, len(priorities))

	for _, p := range priorities {
		s.Add(p)
	}

	return s
}

// Add inserts p into the set.
func (s Set) Add(p int) {
	s[p] = struct{}{}
}

// Has reports whether p is in the set.
func (s Set) Has(p int) bool {
	_, ok := s[p]
	return ok
}

// Len returns the number of priorities in the set.
func (s Set) Len() int {
	return len(s)
}

// Union returns a new set holding every priority of s and the other sets.
func (s Set) Union(others ...Set) Set {
	u := make(Set, len(s))

	for p := range s {
		u.Add(p)
	}

	for _, o := range others {
		for p := range o {
			u.Add(p)
		}
	}

	return u
}

// Sorted returns the priorities in ascending order.
func (s Set) Sorted() []int {
	out := make([]int, 0, len(s))

	for p := range s {
		out = append(out, p)
	}

	slices.Sort(out)

	return out
}

// Preview formats at most n of the lowest priorities as a comma-separated
// list for log output, with a trailing "..." when the set holds more.
func (s Set) Preview(n int) string {
	sorted := s.Sorted()

	truncated := false
	if len(sorted) > n {
		sorted = sorted[:n]
		truncated = true
	}

	parts := make([]string, len(sorted))
	for i, p := range sorted {
		parts[i] = strconv.Itoa(p)
	}

	preview := strings.Join(parts, ", ")
	if truncated {
		preview += "..."
	}

	return preview
}
