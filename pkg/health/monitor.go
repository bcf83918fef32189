// Package health runs the acceptance checks against a deployed instance.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ComponentStatus represents the status of a component
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
	StatusUnknown   ComponentStatus = "unknown"
)

// ErrUnhealthy is returned by WaitHealthy when the deadline passes first.
var ErrUnhealthy = errors.New("instance did not become healthy")

// Component is the result of one checker.
type Component struct {
	Name        string          `json:"name" yaml:"name"`
	Status      ComponentStatus `json:"status" yaml:"status"`
	Message     string          `json:"message,omitempty" yaml:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked" yaml:"last_checked"`
	Details     map[string]any  `json:"details,omitempty" yaml:"details,omitempty"`
}

// Status is the combined result of a check pass.
type Status struct {
	Overall    ComponentStatus `json:"overall" yaml:"overall"`
	Components []*Component    `json:"components" yaml:"components"`
	CheckedAt  time.Time       `json:"checked_at" yaml:"checked_at"`
}

// Checker is the interface for health checks
type Checker interface {
	Name() string
	Check(ctx context.Context) *Component
}

// Monitor runs a fixed set of checkers.
type Monitor struct {
	checkers []Checker
	timeout  time.Duration
	logger   *zap.Logger
}

// NewMonitor creates a monitor. Each pass is bounded by timeout.
func NewMonitor(timeout time.Duration, logger *zap.Logger, checkers ...Checker) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Monitor{checkers: checkers, timeout: timeout, logger: logger}
}

// Check runs every checker once.
func (m *Monitor) Check(ctx context.Context) *Status {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	status := &Status{Overall: StatusHealthy, CheckedAt: time.Now()}
	for _, checker := range m.checkers {
		component := checker.Check(checkCtx)
		status.Components = append(status.Components, component)

		switch component.Status {
		case StatusUnhealthy, StatusUnknown:
			status.Overall = StatusUnhealthy
		case StatusDegraded:
			if status.Overall != StatusUnhealthy {
				status.Overall = StatusDegraded
			}
		}

		m.logger.Debug("health check completed",
			zap.String("component", checker.Name()),
			zap.String("status", string(component.Status)),
			zap.String("message", component.Message))
	}
	return status
}

// WaitHealthy polls until every check passes or ctx ends.
func (m *Monitor) WaitHealthy(ctx context.Context, interval time.Duration) (*Status, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status := m.Check(ctx)
		if status.Overall == StatusHealthy {
			return status, nil
		}
		m.logger.Info("waiting for instance to become healthy", zap.String("overall", string(status.Overall)))

		select {
		case <-ctx.Done():
			return status, fmt.Errorf("%w: %s", ErrUnhealthy, summary(status))
		case <-ticker.C:
		}
	}
}

func summary(s *Status) string {
	for _, c := range s.Components {
		if c.Status != StatusHealthy {
			return fmt.Sprintf("%s is %s: %s", c.Name, c.Status, c.Message)
		}
	}
	return string(s.Overall)
}
