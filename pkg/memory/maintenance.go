package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/dotrelay/pkg/logger"
)

// MaintenanceScheduler runs Backend maintenance on a cron schedule. It is a
// no-op for backends that do not implement Maintainer.
type MaintenanceScheduler struct {
	backend Backend
	expr    string
	now     func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

func NewMaintenanceScheduler(backend Backend, expr string) (*MaintenanceScheduler, error) {
	expr = strings.TrimSpace(expr)
	if expr != "" && !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid maintenance cron %q", expr)
	}
	return &MaintenanceScheduler{
		backend: backend,
		expr:    expr,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}, nil
}

// Enabled reports whether Start will schedule anything.
func (m *MaintenanceScheduler) Enabled() bool {
	if m.expr == "" {
		return false
	}
	_, ok := m.backend.(Maintainer)
	return ok
}

// NextRun returns the first scheduled time strictly after ref.
func (m *MaintenanceScheduler) NextRun(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(m.expr, ref, false)
}

// RunOnce performs one maintenance pass right now.
func (m *MaintenanceScheduler) RunOnce(ctx context.Context) error {
	mt, ok := m.backend.(Maintainer)
	if !ok {
		return nil
	}
	started := m.now()
	if err := mt.Maintain(ctx); err != nil {
		return err
	}
	logger.InfoCF("memory", "Store maintenance completed", map[string]interface{}{
		"backend":     m.backend.Name(),
		"duration_ms": m.now().Sub(started).Milliseconds(),
	})
	return nil
}

func (m *MaintenanceScheduler) Start(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.run(ctx)
	})
}

func (m *MaintenanceScheduler) Stop() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
}

func (m *MaintenanceScheduler) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		next, err := m.NextRun(m.now())
		if err != nil {
			logger.ErrorCF("memory", "Cannot compute next maintenance run", map[string]interface{}{
				"cron":  m.expr,
				"error": err.Error(),
			})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-m.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := m.RunOnce(ctx); err != nil {
			logger.WarnCF("memory", "Store maintenance failed", map[string]interface{}{
				"backend": m.backend.Name(),
				"error":   err.Error(),
			})
		}
	}
}
