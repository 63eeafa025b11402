package channels

import (
	"context"
	"sync"
	"time"

	"github.com/dotsetgreg/dotrelay/pkg/bus"
)

// BusSource adapts a push transport to the pull model. Each drained event
// gets a fresh sequence number above both the caller's cursor and every
// number handed out before, so a restored cursor never hides new events.
type BusSource struct {
	name  string
	bus   *bus.MessageBus
	wait  time.Duration
	batch int

	mu   sync.Mutex
	last int64
}

func NewBusSource(name string, msgBus *bus.MessageBus, wait time.Duration) *BusSource {
	if wait <= 0 {
		wait = time.Second
	}
	return &BusSource{name: name, bus: msgBus, wait: wait, batch: 100}
}

func (s *BusSource) Name() string { return s.name }

func (s *BusSource) FetchUpdates(ctx context.Context, after int64) ([]bus.InboundMessage, error) {
	msgs := s.bus.DrainInbound(ctx, s.batch, s.wait)
	if len(msgs) == 0 {
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if after > s.last {
		s.last = after
	}
	for i := range msgs {
		s.last++
		msgs[i].UpdateID = s.last
		if msgs[i].Channel == "" {
			msgs[i].Channel = s.name
		}
	}
	return msgs, nil
}
