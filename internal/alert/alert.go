package alert

import (
	"context"
	"sync"
	"time"

	"execution_engine/internal/core"
	"execution_engine/pkg/concurrency"
	"execution_engine/pkg/retry"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

type AlertManager struct {
	channels []AlertChannel
	logger   core.ILogger
	pool     *concurrency.WorkerPool
	mu       sync.RWMutex
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

// SetPool routes deliveries through a worker pool instead of raw goroutines
func (am *AlertManager) SetPool(pool *concurrency.WorkerPool) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.pool = pool
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.logger.Info("Triggering alert", "title", title, "level", level)

	am.mu.RLock()
	defer am.mu.RUnlock()

	// Delivery is fire-and-forget: alerting must never block the execution loop
	for _, ch := range am.channels {
		c := ch
		deliver := func() {
			timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			err := retry.Do(timeoutCtx, retry.DefaultPolicy,
				func(error) bool { return true },
				func() error { return c.Send(timeoutCtx, payload) })
			if err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}
		if am.pool != nil {
			if err := am.pool.Submit(deliver); err != nil {
				am.logger.Error("Alert delivery queue full", "channel", c.Name(), "error", err)
			}
			continue
		}
		go deliver()
	}
}
