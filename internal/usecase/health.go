package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"opencami/internal/domain"
)

// Prober checks gateway reachability.
type Prober interface {
	ConnectCheck(ctx context.Context) error
}

// HealthMonitor probes the gateway on a cron schedule and keeps the latest result.
type HealthMonitor struct {
	prober   Prober
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	cron *cron.Cron

	mu     sync.RWMutex
	latest *domain.HealthStatus
}

// NewHealthMonitor creates a monitor. Each probe is bounded by timeout.
func NewHealthMonitor(prober Prober, schedule string, timeout time.Duration, logger *slog.Logger) *HealthMonitor {
	if timeout <= 0 {
		timeout = domain.GatewayDefaultTimeout
	}
	return &HealthMonitor{
		prober:   prober,
		schedule: schedule,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Start schedules probes until ctx is done or Stop is called.
func (m *HealthMonitor) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(m.schedule, func() { m.Check(ctx) }); err != nil {
		return fmt.Errorf("health monitor: invalid schedule %q: %w", m.schedule, err)
	}
	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()

	c.Start()
	m.logger.Info("health monitor started", "schedule", m.schedule)
	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for a running probe to finish.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Check runs one probe now and records the result.
func (m *HealthMonitor) Check(ctx context.Context) domain.HealthStatus {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := m.now()
	err := m.prober.ConnectCheck(probeCtx)
	latency := m.now().Sub(start)

	st := domain.HealthStatus{
		Reachable: err == nil,
		CheckedAt: start,
		Latency:   latency,
		LatencyMS: latency.Milliseconds(),
	}
	if err != nil {
		st.Code = domain.ErrorCodeOf(err)
		st.Error = err.Error()
	}

	m.mu.Lock()
	prev := m.latest
	m.latest = &st
	m.mu.Unlock()

	if prev == nil || prev.Reachable != st.Reachable {
		if st.Reachable {
			m.logger.Info("gateway reachable", "latency", latency)
		} else {
			m.logger.Warn("gateway unreachable", "error", err, "code", st.Code)
		}
	}
	return st
}

// Latest returns the most recent probe result, if any.
func (m *HealthMonitor) Latest() (domain.HealthStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return domain.HealthStatus{}, false
	}
	return *m.latest, true
}
