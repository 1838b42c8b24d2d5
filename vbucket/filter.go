// Package vbucket holds vbucket identity: the Filter a stream connection
// selects partitions with, the vbucket State machine values, and the Bucket
// contract the stream engine consumes from the storage engine.
package vbucket

import (
	"slices"
	"strconv"
	"strings"
)

// Filter is an immutable set of vbucket ids. The zero value (and a filter
// built from an empty list) accepts every vbucket.
type Filter struct {
	ids []uint16 // sorted, unique
}

// NewFilter builds a filter from ids in any order; duplicates are ignored
func NewFilter(ids ...uint16) Filter {
	if len(ids) == 0 {
		return Filter{}
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return Filter{ids: slices.Compact(sorted)}
}

// Contains reports whether the filter accepts vb
func (f Filter) Contains(vb uint16) bool {
	if len(f.ids) == 0 {
		return true
	}
	_, found := slices.BinarySearch(f.ids, vb)
	return found
}

// AcceptsAll reports whether the filter is unrestricted
func (f Filter) AcceptsAll() bool {
	return len(f.ids) == 0
}

// Size is the number of explicit vbuckets, 0 for an unrestricted filter
func (f Filter) Size() int {
	return len(f.ids)
}

// IDs returns the explicit vbucket ids in ascending order
func (f Filter) IDs() []uint16 {
	return slices.Clone(f.ids)
}

// Diff returns the vbuckets present in exactly one of f and other
func (f Filter) Diff(other Filter) Filter {
	var out []uint16
	i, j := 0, 0
	for i < len(f.ids) && j < len(other.ids) {
		switch {
		case f.ids[i] < other.ids[j]:
			out = append(out, f.ids[i])
			i++
		case f.ids[i] > other.ids[j]:
			out = append(out, other.ids[j])
			j++
		default:
			i++
			j++
		}
	}
	out = append(out, f.ids[i:]...)
	out = append(out, other.ids[j:]...)
	return Filter{ids: out}
}

// With returns a new filter that also contains ids. Adding to an
// unrestricted filter yields exactly ids.
func (f Filter) With(ids ...uint16) Filter {
	return NewFilter(append(slices.Clone(f.ids), ids...)...)
}

// Equal reports whether both filters hold the same vbuckets
func (f Filter) Equal(other Filter) bool {
	return slices.Equal(f.ids, other.ids)
}

func (f Filter) String() string {
	if len(f.ids) == 0 {
		return "{ all }"
	}
	var sb strings.Builder
	sb.WriteString("{ ")
	for _, id := range f.ids {
		sb.WriteString(strconv.Itoa(int(id)))
		sb.WriteByte(' ')
	}
	sb.WriteByte('}')
	return sb.String()
}
