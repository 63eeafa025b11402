package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/dotrelay/pkg/bus"
	"github.com/dotsetgreg/dotrelay/pkg/logger"
	"github.com/dotsetgreg/dotrelay/pkg/metrics"
)

const defaultInterval = time.Second

// EventSource is asked for events after a cursor. The cursor is a hint: a
// source may still return ids at or below it.
type EventSource interface {
	Name() string
	FetchUpdates(ctx context.Context, after int64) ([]bus.InboundMessage, error)
}

type Handler interface {
	Dispatch(ctx context.Context, msg bus.InboundMessage)
}

type HandlerFunc func(ctx context.Context, msg bus.InboundMessage)

func (f HandlerFunc) Dispatch(ctx context.Context, msg bus.InboundMessage) { f(ctx, msg) }

// CursorStore persists the cursor between runs.
type CursorStore interface {
	LoadCursor(ctx context.Context, source string) (int64, bool, error)
	SaveCursor(ctx context.Context, source string, cursor int64) error
}

type Options struct {
	Interval time.Duration
	// Cursors is optional. Without it the cursor lives only in memory.
	Cursors CursorStore
}

// Poller fetches events, drops those at or below the cursor, and dispatches
// the rest one at a time. The cursor moves to an event's id only after its
// dispatch returns.
type Poller struct {
	source   EventSource
	handler  Handler
	cursors  CursorStore
	interval time.Duration

	cursor atomic.Int64
	// mu serializes polling; a Poller never dispatches two events at once.
	mu sync.Mutex
}

func New(source EventSource, handler Handler, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	return &Poller{
		source:   source,
		handler:  handler,
		cursors:  opts.Cursors,
		interval: opts.Interval,
	}
}

func (p *Poller) Source() string { return p.source.Name() }

func (p *Poller) Cursor() int64 { return p.cursor.Load() }

// Restore loads the persisted cursor. A stored value below the in-memory
// cursor is ignored.
func (p *Poller) Restore(ctx context.Context) error {
	if p.cursors == nil {
		return nil
	}
	stored, ok, err := p.cursors.LoadCursor(ctx, p.source.Name())
	if err != nil {
		logger.WarnCF("poller", "Failed to load persisted cursor", map[string]interface{}{
			"source": p.source.Name(),
			"error":  err.Error(),
		})
		return err
	}
	if ok && p.advance(stored) {
		logger.InfoCF("poller", "Restored cursor", map[string]interface{}{
			"source": p.source.Name(),
			"cursor": stored,
		})
	}
	return nil
}

// PollOnce runs one fetch and dispatches the new events in delivery order.
// On fetch failure the cursor is left untouched and the error returned.
// Cancelling ctx interrupts the fetch. Once a batch has been fetched it is
// dispatched in full, since a push source cannot hand it out again.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := p.source.Name()
	updates, err := p.source.FetchUpdates(ctx, p.cursor.Load())
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		metrics.FetchErrors.WithLabelValues(name).Inc()
		logger.ErrorCF("poller", "Failed to fetch updates", map[string]interface{}{
			"source": name,
			"cursor": p.cursor.Load(),
			"error":  err.Error(),
		})
		return 0, err
	}
	metrics.UpdatesFetched.WithLabelValues(name).Add(float64(len(updates)))

	dispatchCtx := context.WithoutCancel(ctx)
	dispatched := 0
	for _, msg := range updates {
		cursor := p.cursor.Load()
		if msg.UpdateID <= cursor {
			metrics.UpdatesDuplicate.WithLabelValues(name).Inc()
			logger.DebugCF("poller", "Skipping already processed update", map[string]interface{}{
				"source":    name,
				"update_id": msg.UpdateID,
				"cursor":    cursor,
			})
			continue
		}

		p.handler.Dispatch(dispatchCtx, msg)
		dispatched++
		metrics.UpdatesDispatched.WithLabelValues(name, string(msg.Kind())).Inc()

		p.advance(msg.UpdateID)
		p.persist(dispatchCtx, msg.UpdateID)
	}
	return dispatched, nil
}

// Run polls until stop is closed or ctx is cancelled, sleeping the
// configured interval between fetches. Fetch failures are retried forever.
func (p *Poller) Run(ctx context.Context, stop <-chan struct{}) {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	_ = p.Restore(loopCtx)

	logger.InfoCF("poller", "Poller started", map[string]interface{}{
		"source":      p.source.Name(),
		"cursor":      p.cursor.Load(),
		"interval_ms": p.interval.Milliseconds(),
	})

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-loopCtx.Done():
			logger.InfoCF("poller", "Poller stopped", map[string]interface{}{
				"source": p.source.Name(),
				"cursor": p.cursor.Load(),
			})
			return
		case <-timer.C:
		}

		_, _ = p.PollOnce(loopCtx)
		timer.Reset(p.interval)
	}
}

func (p *Poller) advance(id int64) bool {
	for {
		cur := p.cursor.Load()
		if id <= cur {
			return false
		}
		if p.cursor.CompareAndSwap(cur, id) {
			metrics.PollerCursor.WithLabelValues(p.source.Name()).Set(float64(id))
			return true
		}
	}
}

func (p *Poller) persist(ctx context.Context, id int64) {
	if p.cursors == nil {
		return
	}
	if err := p.cursors.SaveCursor(ctx, p.source.Name(), id); err != nil {
		logger.WarnCF("poller", "Failed to persist cursor", map[string]interface{}{
			"source":    p.source.Name(),
			"update_id": id,
			"error":     err.Error(),
		})
	}
}
