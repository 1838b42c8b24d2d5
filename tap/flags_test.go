package tap

import (
	"testing"

	"github.com/couchbase/gomemcached"
	"github.com/stretchr/testify/assert"
)

func TestFlagsString(t *testing.T) {
	tests := []struct {
		flags Flags
		want  string
	}{
		{0, ""},
		{Flags(gomemcached.REGISTERED_CLIENT), ""},
		{Flags(gomemcached.SUPPORT_ACK | gomemcached.CHECKPOINT), "0x50 (ack,checkpoints)"},
		{Flags(gomemcached.DUMP | gomemcached.BACKFILL), "0x3 (dump,backfill)"},
		{Flags(gomemcached.LIST_VBUCKETS | gomemcached.TAKEOVER_VBUCKETS), "0xc (vblist,takeover)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.flags.String())
	}
}

func TestFlagsAccessors(t *testing.T) {
	f := Flags(gomemcached.BACKFILL | gomemcached.REGISTERED_CLIENT)
	assert.True(t, f.Backfill())
	assert.True(t, f.RegisteredClient())
	assert.False(t, f.Dump())
	assert.False(t, f.SupportAck())
	assert.False(t, f.Takeover())
}
