package testutil

import (
	"errors"
	"sync"
)

// CaptureConn is a fake terminal connection that records every JSON frame
// written to it. Frames is buffered so delivery paths never block.
type CaptureConn struct {
	Frames chan any

	mu     sync.Mutex
	closed bool
	fail   bool
}

// NewCaptureConn creates a capture connection.
func NewCaptureConn() *CaptureConn {
	return &CaptureConn{Frames: make(chan any, 64)}
}

// WriteJSON records the frame, or fails when the connection is closed or
// forced into failure mode.
func (c *CaptureConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.fail {
		return errors.New("connection closed")
	}
	c.Frames <- v
	return nil
}

// Close marks the connection closed. Subsequent writes fail.
func (c *CaptureConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (c *CaptureConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FailWrites makes every subsequent write return an error without closing.
func (c *CaptureConn) FailWrites() {
	c.mu.Lock()
	c.fail = true
	c.mu.Unlock()
}
