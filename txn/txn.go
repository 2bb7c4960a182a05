// Package txn implements the transaction context of spec section 4.5
// (component C9): batches up to txnSize mutations into one backend
// transaction, committing when the budget is exhausted or commitSoon
// is called, retrying commit failures with a 1-second backoff.
package txn

import (
	"context"
	"time"

	"github.com/ledgerwatch/epengine/kvstore"
	"github.com/ledgerwatch/epengine/log"
	"github.com/ledgerwatch/epengine/metrics"
)

var commitFailedCounter = metrics.NewRegisteredCounter("ep_commit_failed", "backend commit failures")

// Context tracks one open-or-not backend transaction across a flush
// cycle.
type Context struct {
	backend   kvstore.Backend
	txnSize   int
	remaining int
	open      bool

	log *log.Logger
}

func New(backend kvstore.Backend, txnSize int) *Context {
	return &Context{backend: backend, txnSize: txnSize, log: log.New("component", "txn")}
}

// Enter lazily opens a backend transaction and resets the remaining
// mutation budget. A no-op if a transaction is already open (the
// flusher calls Enter once per flushSome invocation; a preempted
// transaction stays open across ticks).
func (c *Context) Enter(ctx context.Context) error {
	if c.open {
		return nil
	}
	if err := c.backend.Begin(ctx); err != nil {
		return err
	}
	c.open = true
	c.remaining = c.txnSize
	return nil
}

// IsOpen reports whether a transaction is currently open.
func (c *Context) IsOpen() bool { return c.open }

// Leave decrements the remaining budget by n, committing when it
// reaches zero.
func (c *Context) Leave(ctx context.Context, n int) error {
	c.remaining -= n
	if c.remaining <= 0 {
		return c.Commit(ctx)
	}
	return nil
}

// CommitSoon forces the next Leave to commit regardless of remaining
// budget. The flusher does not call it.
func (c *Context) CommitSoon() { c.remaining = 0 }

// Commit commits the open transaction, retrying on failure with a
// 1-second sleep (spec section 4.5: "commit retries on failure with a
// 1-second backoff, incrementing commitFailed"). While a transaction is
// open, rollback only happens implicitly on backend error; the engine
// never exposes explicit rollback to the client path.
func (c *Context) Commit(ctx context.Context) error {
	if !c.open {
		return nil
	}
	for {
		err := c.backend.Commit(ctx)
		if err == nil {
			c.open = false
			return nil
		}
		commitFailedCounter.Inc(1)
		c.log.Warn("backend commit failed, retrying", "err", err)
		select {
		case <-ctx.Done():
			c.backend.Rollback(ctx)
			c.open = false
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Abort rolls back any open transaction without retry, used only on
// engine shutdown.
func (c *Context) Abort(ctx context.Context) {
	if !c.open {
		return
	}
	c.backend.Rollback(ctx)
	c.open = false
}
