package imap

import (
	"errors"
	"time"

	"github.com/luigi617/openmail/auth"
)

// The pool is a bounded channel of connection slots. A nil element marks a
// slot whose connection died and could not be replaced yet; the next acquire
// re-dials it. Slot count is invariant for the lifetime of the client.

// acquire takes a connection from the pool, blocking up to the configured
// acquire timeout.
func (c *Client) acquire() (*connState, error) {
	if c.isClosing() {
		return nil, &Error{Op: "acquire", Err: ErrClosed}
	}

	timer := time.NewTimer(c.config.PoolAcquireTimeout)
	defer timer.Stop()

	select {
	case state := <-c.conns:
		if c.isClosing() {
			state.logout(c)
			return nil, &Error{Op: "acquire", Err: ErrClosed}
		}
		if state == nil {
			fresh, err := c.dial()
			if err != nil {
				c.conns <- nil
				return nil, err
			}
			return fresh, nil
		}
		return state, nil

	case <-timer.C:
		c.log.Warn().
			Dur("timeout", c.config.PoolAcquireTimeout).
			Msg("Timed out waiting for a pooled connection")
		return nil, &Error{Op: "acquire", Err: ErrPoolExhausted}
	}
}

// release returns a connection to the pool. On a replacement-triggering error
// the connection is logged out and replaced with a freshly authenticated one;
// after Close the connection is logged out and not re-pooled.
func (c *Client) release(state *connState, opErr error) {
	if c.isClosing() {
		state.logout(c)
		return
	}

	if !IsConnectionError(opErr) {
		c.conns <- state
		return
	}

	c.log.Debug().
		Err(opErr).
		Str("conn", state.id).
		Msg("Replacing broken connection")
	state.logout(c)

	fresh, err := c.dial()
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to replace broken connection, deferring to next acquire")
		c.conns <- nil
		return
	}
	if c.isClosing() {
		fresh.logout(c)
		return
	}
	c.conns <- fresh
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// run executes op with a pooled connection, retrying replacement-triggering
// errors up to MaxRetries additional attempts with a fixed backoff. Protocol
// NO/BAD responses and auth failures are never retried.
func run[T any](c *Client, op string, fn func(*connState) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := c.config.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		state, err := c.acquire()
		if err != nil {
			return zero, err
		}

		v, err := fn(state)
		c.release(state, err)
		if err == nil {
			return v, nil
		}

		if !IsConnectionError(err) {
			var imapErr *Error
			var authErr *auth.Error
			if errors.As(err, &imapErr) || errors.As(err, &authErr) {
				return zero, err
			}
			return zero, opErr(op, err)
		}

		lastErr = err
		c.log.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Int("maxAttempts", attempts).
			Str("op", op).
			Msg("Retrying after connection error")
		if attempt < attempts-1 && c.config.Backoff > 0 {
			time.Sleep(c.config.Backoff)
		}
	}

	return zero, opErrf(op, "failed after %d attempts: %w", attempts, lastErr)
}

// runSearch is run with the search throttle applied. SEARCH is the one
// command class that can hold a server busy for a long time, so it is gated
// independently of pool size.
func runSearch[T any](c *Client, op string, fn func(*connState) (T, error)) (T, error) {
	c.searchSem <- struct{}{}
	defer func() { <-c.searchSem }()
	return run(c, op, fn)
}
