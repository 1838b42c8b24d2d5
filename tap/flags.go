package tap

import (
	"fmt"
	"strings"

	"github.com/couchbase/gomemcached"
)

// Flags are the capabilities a client asks for on connect.
type Flags gomemcached.TapConnectFlag

func (f Flags) has(flag gomemcached.TapConnectFlag) bool {
	return gomemcached.TapConnectFlag(f)&flag != 0
}

func (f Flags) Backfill() bool         { return f.has(gomemcached.BACKFILL) }
func (f Flags) Dump() bool             { return f.has(gomemcached.DUMP) }
func (f Flags) ListVBuckets() bool     { return f.has(gomemcached.LIST_VBUCKETS) }
func (f Flags) Takeover() bool         { return f.has(gomemcached.TAKEOVER_VBUCKETS) }
func (f Flags) SupportAck() bool       { return f.has(gomemcached.SUPPORT_ACK) }
func (f Flags) Checkpoint() bool       { return f.has(gomemcached.CHECKPOINT) }
func (f Flags) RegisteredClient() bool { return f.has(gomemcached.REGISTERED_CLIENT) }

// String renders the flags the way they appear in stats, e.g.
// "0x50 (ack,checkpoints)". Flags with no known bits render as "".
func (f Flags) String() string {
	var names []string
	if f.Dump() {
		names = append(names, "dump")
	}
	if f.SupportAck() {
		names = append(names, "ack")
	}
	if f.Backfill() {
		names = append(names, "backfill")
	}
	if f.ListVBuckets() {
		names = append(names, "vblist")
	}
	if f.Takeover() {
		names = append(names, "takeover")
	}
	if f.Checkpoint() {
		names = append(names, "checkpoints")
	}
	if len(names) == 0 {
		return ""
	}
	return fmt.Sprintf("%#x (%s)", uint32(f), strings.Join(names, ","))
}
