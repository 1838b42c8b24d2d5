package vbucket

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/tapstream/checkpoint"
)

// State is a vbucket's replication role
type State uint8

const (
	Active State = iota + 1
	Replica
	Pending
	Dead
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Replica:
		return "replica"
	case Pending:
		return "pending"
	case Dead:
		return "dead"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Valid reports whether s is one of the defined states
func (s State) Valid() bool {
	return s >= Active && s <= Dead
}

// ParseState parses the String form of a state
func ParseState(s string) (State, error) {
	for st := Active; st <= Dead; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("invalid vbucket state %q", s)
}

// Bucket is what the stream engine needs from one vbucket of the storage engine
type Bucket interface {
	ID() uint16
	State() State
	// Version changes whenever the vbucket is reset; background fetches
	// issued against an older version are discarded.
	Version() uint16
	IsBackfillPhase() bool
	SetBackfillPhase(bool)
	Checkpoints() checkpoint.Manager
}

// ForKey maps a key to one of n vbuckets
func ForKey(key string, n int) uint16 {
	return uint16(xxhash.Sum64String(key) % uint64(n))
}
