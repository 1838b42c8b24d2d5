package sink

import (
	"strconv"

	"github.com/maxpert/tapstream/publisher"
)

// Header names carrying the stream position of a record
const (
	HeaderKey        = "tap-key"
	HeaderVBucket    = "tap-vbucket"
	HeaderSeqno      = "tap-seqno"
	HeaderCheckpoint = "tap-checkpoint"
)

type header struct {
	name  string
	value string
}

func recordHeaders(rec publisher.Record) []header {
	return []header{
		{HeaderKey, rec.Key},
		{HeaderVBucket, strconv.FormatUint(uint64(rec.VBucket), 10)},
		{HeaderSeqno, strconv.FormatUint(uint64(rec.Seqno), 10)},
		{HeaderCheckpoint, strconv.FormatUint(rec.Checkpoint, 10)},
	}
}
