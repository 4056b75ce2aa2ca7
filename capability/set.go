package capability

import (
	"sort"
	"strings"
)

// Set is an immutable set of capabilities. The zero value is the empty set.
// There are no methods that add or remove members, so a granted set handed
// to a script context can never be widened after it is computed.
type Set struct {
	members map[Capability]struct{}
}

// NewSet returns a set holding caps.
func NewSet(caps ...Capability) Set {
	members := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		members[c] = struct{}{}
	}
	return Set{members: members}
}

// Has reports whether c is a member.
func (s Set) Has(c Capability) bool {
	_, ok := s.members[c]
	return ok
}

// Len returns the number of members.
func (s Set) Len() int {
	return len(s.members)
}

// List returns the members sorted by name.
func (s Set) List() []Capability {
	out := make([]Capability, 0, len(s.members))
	for c := range s.members {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Intersect returns the members of s that are also in other.
func (s Set) Intersect(other Set) Set {
	members := make(map[Capability]struct{})
	for c := range s.members {
		if other.Has(c) {
			members[c] = struct{}{}
		}
	}
	return Set{members: members}
}

// Subtract returns the members of s that are not in other.
func (s Set) Subtract(other Set) Set {
	members := make(map[Capability]struct{})
	for c := range s.members {
		if !other.Has(c) {
			members[c] = struct{}{}
		}
	}
	return Set{members: members}
}

// SubsetOf reports whether every member of s is in other.
func (s Set) SubsetOf(other Set) bool {
	for c := range s.members {
		if !other.Has(c) {
			return false
		}
	}
	return true
}

func (s Set) String() string {
	names := make([]string, 0, len(s.members))
	for _, c := range s.List() {
		names = append(names, string(c))
	}
	return "{" + strings.Join(names, ", ") + "}"
}
