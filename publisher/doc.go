// Package publisher streams the key/value mutation log to external brokers
// (Kafka, NATS JetStream).
//
// Every configured sink is a registered tap client: the registry opens a
// producer named "publisher-{sink}" with ack support and checkpoint sync,
// and drives it with a tap.Pump whose sink is a Worker. The worker filters,
// transforms and publishes each mutation before acknowledging it, so the
// producer's checkpoint cursor only moves past what the broker accepted.
//
// # Delivery
//
// Delivery is at least once. A publish failure makes the pump retry the
// same message with exponential backoff; a restart resumes from the last
// acknowledged checkpoint recorded in the cursor store, so a checkpoint that
// was partially published is published again.
//
// A brand-new sink starts with a backfill of every tracked vbucket.
//
// # Topics and keys
//
// All events of one sink go to a single topic (default "tapstream.kv"),
// keyed by the item key. Kafka partitions by vbucket so every partition
// keeps the stream order of the vbuckets it carries. Both brokers get the
// stream position as headers (tap-key, tap-vbucket, tap-seqno,
// tap-checkpoint). Deletions are followed by a tombstone for log compaction.
//
// # Formats
//
//	debezium  Debezium JSON envelope with schema, op "u" for sets, "d" for deletes, "t" for flush
//	msgpack   the Event struct encoded with the encoding package
package publisher
