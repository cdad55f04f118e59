// Package mock provides in-memory test doubles for [channel.Dialer] and
// [channel.Conn].
//
// A [Dialer] hands out a scripted sequence of results. Each [Conn] records
// the frames written to it and delivers frames pushed with [Conn.Push] to
// the link's reader.
package mock

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/MrWong99/voiceshield/internal/channel"
)

var (
	_ channel.Dialer = (*Dialer)(nil)
	_ channel.Conn   = (*Conn)(nil)
)

// ErrNoMoreConns is returned by [Dialer.Dial] once the script is exhausted
// and no DialErr is set.
var ErrNoMoreConns = errors.New("mock: no more connections")

// Dial is one scripted dial outcome.
type Dial struct {
	Conn *Conn
	Err  error
}

// Dialer returns the entries of Script in order, then DialErr (or
// [ErrNoMoreConns]) forever.
type Dialer struct {
	mu       sync.Mutex
	Script   []Dial
	DialErr  error
	sessions []string
}

// Dial implements [channel.Dialer].
func (d *Dialer) Dial(ctx context.Context, sessionID string) (channel.Conn, error) {
	d.mu.Lock()
	d.sessions = append(d.sessions, sessionID)
	var next Dial
	if len(d.Script) > 0 {
		next, d.Script = d.Script[0], d.Script[1:]
	} else {
		next.Err = d.DialErr
		if next.Err == nil {
			next.Err = ErrNoMoreConns
		}
	}
	d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if next.Err != nil {
		return nil, next.Err
	}
	return next.Conn, nil
}

// Push appends outcomes to the script.
func (d *Dialer) Push(dials ...Dial) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Script = append(d.Script, dials...)
}

// DialCount returns how many times Dial was called.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Sessions returns the session IDs passed to Dial, in order.
func (d *Dialer) Sessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sessions...)
}

// Conn is a scripted [channel.Conn].
type Conn struct {
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	pingErr  error
	closes   int
}

// NewConn returns an open connection.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

// Push queues an inbound frame for the reader.
func (c *Conn) Push(frame []byte) {
	select {
	case c.inbound <- frame:
	case <-c.done:
	}
}

// Drop simulates the remote side going away: pending and future reads fail.
func (c *Conn) Drop() {
	c.once.Do(func() { close(c.done) })
}

// SetWriteErr makes every subsequent Write fail with err.
func (c *Conn) SetWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// SetPingErr makes every subsequent Ping fail with err.
func (c *Conn) SetPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// Written returns copies of the frames written so far.
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	for i, w := range c.written {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// CloseCount returns how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Closed reports whether the connection was dropped or closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Read implements [channel.Conn].
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	// Queued frames win over a concurrent close so tests are deterministic.
	select {
	case f := <-c.inbound:
		return f, nil
	default:
	}
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write implements [channel.Conn].
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if c.Closed() {
		return net.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

// Ping implements [channel.Conn].
func (c *Conn) Ping(ctx context.Context) error {
	if c.Closed() {
		return net.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

// Close implements [channel.Conn].
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.Drop()
	return nil
}
