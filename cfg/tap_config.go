package cfg

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrUnknownTapKey is returned for keys TapConfig does not own
var ErrUnknownTapKey = errors.New("unknown tap configuration key")

type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

// TapConfig is the runtime view of TapConfiguration shared by every stream
// connection. Each field is read and written atomically; readers never see a
// torn value but may observe fields from different reloads.
type TapConfig struct {
	ackWindowSize          atomic.Uint64
	ackInterval            atomic.Uint64
	ackGracePeriod         atomic.Uint64
	ackInitialSequence     atomic.Uint64
	bgMaxPending           atomic.Uint64
	backlogLimit           atomic.Uint64
	noopInterval           atomic.Uint64
	keepalive              atomic.Uint64
	maxMemoryOverhead      atomic.Uint64
	takeoverMaxAckLogSize  atomic.Uint64
	backfillNearCompletion atomic.Uint64

	backoffSleep     atomicFloat
	requeueSleep     atomicFloat
	backfillResident atomicFloat
}

// NewTapConfig builds a TapConfig from a decoded configuration section
func NewTapConfig(c TapConfiguration) *TapConfig {
	tc := &TapConfig{}
	tc.store(c)
	return tc
}

func (tc *TapConfig) store(c TapConfiguration) {
	tc.ackWindowSize.Store(c.AckWindowSize)
	tc.ackInterval.Store(c.AckInterval)
	tc.ackGracePeriod.Store(c.AckGracePeriodSeconds)
	tc.ackInitialSequence.Store(c.AckInitialSequence)
	tc.bgMaxPending.Store(c.BGMaxPending)
	tc.backlogLimit.Store(c.BacklogLimit)
	tc.noopInterval.Store(c.NoopIntervalSeconds)
	tc.keepalive.Store(c.KeepaliveSeconds)
	tc.maxMemoryOverhead.Store(c.MaxMemoryOverheadBytes)
	tc.takeoverMaxAckLogSize.Store(c.TakeoverMaxAckLogSize)
	tc.backfillNearCompletion.Store(c.BackfillNearCompletion)
	tc.backoffSleep.Store(c.BackoffPeriodSeconds)
	tc.requeueSleep.Store(c.RequeueSleepSeconds)
	tc.backfillResident.Store(c.BackfillResident)
}

// Snapshot returns the current values as a TapConfiguration
func (tc *TapConfig) Snapshot() TapConfiguration {
	return TapConfiguration{
		AckWindowSize:          tc.ackWindowSize.Load(),
		AckInterval:            tc.ackInterval.Load(),
		AckGracePeriodSeconds:  tc.ackGracePeriod.Load(),
		AckInitialSequence:     tc.ackInitialSequence.Load(),
		BGMaxPending:           tc.bgMaxPending.Load(),
		BacklogLimit:           tc.backlogLimit.Load(),
		NoopIntervalSeconds:    tc.noopInterval.Load(),
		KeepaliveSeconds:       tc.keepalive.Load(),
		MaxMemoryOverheadBytes: tc.maxMemoryOverhead.Load(),
		TakeoverMaxAckLogSize:  tc.takeoverMaxAckLogSize.Load(),
		BackfillNearCompletion: tc.backfillNearCompletion.Load(),
		BackoffPeriodSeconds:   tc.backoffSleep.Load(),
		RequeueSleepSeconds:    tc.requeueSleep.Load(),
		BackfillResident:       tc.backfillResident.Load(),
	}
}

// Apply pushes a reloaded configuration section field by field, logging the
// keys that actually changed.
func (tc *TapConfig) Apply(c TapConfiguration) {
	prev := tc.Snapshot()
	tc.store(c)
	if prev != c {
		log.Info().
			Interface("previous", prev).
			Interface("current", c).
			Msg("Tap configuration reloaded")
	}
}

// SetSize updates one integer tunable by its listener key
func (tc *TapConfig) SetSize(key string, value uint64) error {
	switch key {
	case "tap_ack_window_size":
		tc.ackWindowSize.Store(value)
	case "tap_ack_interval":
		tc.ackInterval.Store(value)
	case "tap_ack_grace_period":
		tc.ackGracePeriod.Store(value)
	case "tap_ack_initial_sequence_number":
		tc.ackInitialSequence.Store(value)
	case "tap_bg_max_pending":
		tc.bgMaxPending.Store(value)
	case "tap_backlog_limit":
		tc.backlogLimit.Store(value)
	case "tap_noop_interval":
		tc.noopInterval.Store(value)
	case "tap_keepalive":
		tc.keepalive.Store(value)
	case "tap_max_memory_overhead":
		tc.maxMemoryOverhead.Store(value)
	case "tap_takeover_max_ack_log_size":
		tc.takeoverMaxAckLogSize.Store(value)
	case "tap_backfill_near_completion":
		tc.backfillNearCompletion.Store(value)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTapKey, key)
	}
	log.Debug().Str("key", key).Uint64("value", value).Msg("Tap configuration changed")
	return nil
}

// SetFloat updates one floating point tunable by its listener key
func (tc *TapConfig) SetFloat(key string, value float64) error {
	switch key {
	case "tap_backoff_period":
		tc.backoffSleep.Store(value)
	case "tap_requeue_sleep_time":
		tc.requeueSleep.Store(value)
	case "tap_backfill_resident":
		tc.backfillResident.Store(value)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTapKey, key)
	}
	log.Debug().Str("key", key).Float64("value", value).Msg("Tap configuration changed")
	return nil
}

// Set parses value and routes it to SetFloat or SetSize depending on key
func (tc *TapConfig) Set(key, value string) error {
	switch key {
	case "tap_backoff_period", "tap_requeue_sleep_time", "tap_backfill_resident":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		if f < 0 {
			return fmt.Errorf("%s must be >= 0", key)
		}
		return tc.SetFloat(key, f)
	}

	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return tc.SetSize(key, n)
}

func (tc *TapConfig) AckWindowSize() uint64 { return tc.ackWindowSize.Load() }
func (tc *TapConfig) AckInterval() uint64   { return tc.ackInterval.Load() }

func (tc *TapConfig) AckGracePeriod() time.Duration {
	return time.Duration(tc.ackGracePeriod.Load()) * time.Second
}

// AckInitialSequenceNumber is the first sequence number a producer sends
func (tc *TapConfig) AckInitialSequenceNumber() uint32 {
	return uint32(tc.ackInitialSequence.Load())
}

func (tc *TapConfig) BGMaxPending() uint64 { return tc.bgMaxPending.Load() }
func (tc *TapConfig) BacklogLimit() uint64 { return tc.backlogLimit.Load() }

func (tc *TapConfig) NoopInterval() time.Duration {
	return time.Duration(tc.noopInterval.Load()) * time.Second
}

func (tc *TapConfig) Keepalive() time.Duration {
	return time.Duration(tc.keepalive.Load()) * time.Second
}

func (tc *TapConfig) MaxMemoryOverhead() uint64      { return tc.maxMemoryOverhead.Load() }
func (tc *TapConfig) TakeoverMaxAckLogSize() uint64  { return tc.takeoverMaxAckLogSize.Load() }
func (tc *TapConfig) BackfillNearCompletion() uint64 { return tc.backfillNearCompletion.Load() }

func (tc *TapConfig) BackoffSleepTime() time.Duration {
	return secondsToDuration(tc.backoffSleep.Load())
}

func (tc *TapConfig) RequeueSleepTime() time.Duration {
	return secondsToDuration(tc.requeueSleep.Load())
}

// BackfillResidentThreshold is the resident ratio below which backfill reads from disk
func (tc *TapConfig) BackfillResidentThreshold() float64 {
	return tc.backfillResident.Load()
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
