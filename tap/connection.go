package tap

import (
	"sync"
	"sync/atomic"
	"time"
)

// Connection is what the registry stores for producers and consumers.
type Connection interface {
	Name() string
	Kind() string
	Cookie() Cookie
	Connected() bool
	ShouldDisconnect() bool
	SetDisconnect(bool)
	Expiry() time.Time
	Stats() map[string]string
	releaseReference()
	setConnected(bool)
	setExpiry(time.Time)
	expired(now time.Time) bool
}

// conn is the state shared by both connection kinds. Identity fields are
// immutable; the rest are atomics so the registry can read them without
// taking the connection lock.
type conn struct {
	name    string
	created time.Time
	e       *engine

	cookieMu sync.Mutex
	cookie   Cookie
	reserved atomic.Bool

	connected  atomic.Bool
	disconnect atomic.Bool
	supportAck atomic.Bool
	expiry     atomic.Int64 // unix nanos, 0 means never set
}

func (c *conn) init(e *engine, name string, cookie Cookie) {
	c.name = name
	c.created = e.now()
	c.e = e
	c.cookie = cookie
	c.connected.Store(true)
	c.reserved.Store(cookie != nil)
}

func (c *conn) Name() string { return c.name }

func (c *conn) Cookie() Cookie {
	c.cookieMu.Lock()
	defer c.cookieMu.Unlock()
	return c.cookie
}

// swapCookie releases the reference on the old cookie and takes one on the new.
func (c *conn) swapCookie(cookie Cookie) {
	c.releaseReference()
	c.cookieMu.Lock()
	c.cookie = cookie
	c.cookieMu.Unlock()
	c.reserved.Store(cookie != nil)
}

// releaseReference drops the registry's reference on the cookie. Only the
// first call after a reservation releases.
func (c *conn) releaseReference() {
	if !c.reserved.CompareAndSwap(true, false) {
		return
	}
	if cookie := c.Cookie(); cookie != nil {
		cookie.Release()
	}
}

func (c *conn) notifyIO(err error) {
	if cookie := c.Cookie(); cookie != nil {
		cookie.NotifyIOComplete(err)
	}
}

func (c *conn) Connected() bool        { return c.connected.Load() }
func (c *conn) setConnected(v bool)    { c.connected.Store(v) }
func (c *conn) ShouldDisconnect() bool { return c.disconnect.Load() }
func (c *conn) SetDisconnect(v bool)   { c.disconnect.Store(v) }
func (c *conn) SupportsAck() bool      { return c.supportAck.Load() }

func (c *conn) Expiry() time.Time {
	n := c.expiry.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (c *conn) setExpiry(t time.Time) {
	if t.IsZero() {
		c.expiry.Store(0)
		return
	}
	c.expiry.Store(t.UnixNano())
}

// expired reports whether the expiry time is set and has passed.
func (c *conn) expired(now time.Time) bool {
	n := c.expiry.Load()
	return n != 0 && n <= now.UnixNano()
}

func (c *conn) commonStats(kind string, add func(key string, val any)) {
	add("type", kind)
	add("created", c.created.Unix())
	add("connected", c.Connected())
	add("pending_disconnect", c.ShouldDisconnect())
	add("supports_ack", c.SupportsAck())
	add("reserved", c.reserved.Load())
}
