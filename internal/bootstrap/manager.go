package bootstrap

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"execution_engine/internal/alert"
	"execution_engine/internal/config"
	"execution_engine/internal/coordinator"
	"execution_engine/internal/core"
	"execution_engine/internal/store"
	"execution_engine/pkg/concurrency"
)

// Manager owns one StrategyMaster per task. It consumes the task queue,
// spins up masters, and reaps them when they finish or get deleted.
type Manager struct {
	cfg    *config.Config
	bus    core.IBus
	logger core.ILogger
	deps   coordinator.Deps

	mu      sync.Mutex
	masters map[string]*coordinator.StrategyMaster
	cancels map[string]context.CancelFunc

	baseCtx context.Context
}

func NewManager(cfg *config.Config, b core.IBus, logger core.ILogger,
	alerts *alert.AlertManager, orderCache *store.OrderCache,
	history *store.HistoryStore, pool *concurrency.WorkerPool) *Manager {
	return &Manager{
		cfg:    cfg,
		bus:    b,
		logger: logger.WithField("component", "task_manager"),
		deps: coordinator.Deps{
			Cfg:        cfg,
			Bus:        b,
			Logger:     logger,
			Alerts:     alerts,
			OrderCache: orderCache,
			History:    history,
			Pool:       pool,
		},
		masters: make(map[string]*coordinator.StrategyMaster),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run consumes the task queue until the context ends, then drains every
// running master
func (m *Manager) Run(ctx context.Context) error {
	m.baseCtx = ctx
	if err := m.bus.Subscribe(ctx, m.cfg.Channels.TaskQueue, m.onTaskMessage); err != nil {
		return err
	}
	m.logger.Info("Listening for tasks", "channel", m.cfg.Channels.TaskQueue)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return ctx.Err()
		case <-ticker.C:
			m.reap()
		}
	}
}

func (m *Manager) onTaskMessage(message []byte) {
	var task core.Task
	if err := json.Unmarshal(message, &task); err != nil {
		m.logger.Error("Malformed task", "error", err)
		return
	}
	if err := m.startTask(&task); err != nil {
		m.logger.Error("Task rejected", "task", task.TaskID, "error", err)
	}
}

func (m *Manager) startTask(task *core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.masters[task.TaskID]; ok {
		m.logger.Warn("Task already running, ignoring redelivery",
			"task", task.TaskID, "status", existing.Status())
		return nil
	}

	master, err := coordinator.NewStrategyMaster(task, m.deps)
	if err != nil {
		return err
	}
	taskCtx, cancel := context.WithCancel(m.baseCtx)
	if err := master.Start(taskCtx); err != nil {
		cancel()
		return err
	}
	m.masters[task.TaskID] = master
	m.cancels[task.TaskID] = cancel
	m.logger.Info("Task started", "task", task.TaskID, "strategies", len(task.Strategies))
	return nil
}

// reap stops masters whose task reached a terminal state
func (m *Manager) reap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, master := range m.masters {
		status := master.Status()
		if status != core.TaskFinished && status != core.TaskDeleted {
			continue
		}
		m.cancels[id]()
		<-master.Done()
		delete(m.masters, id)
		delete(m.cancels, id)
		m.logger.Info("Task reaped", "task", id, "status", status)
	}
}

// drain cancels every master and waits for their loops to stop
func (m *Manager) drain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.cancels {
		cancel()
		<-m.masters[id].Done()
		m.logger.Info("Task stopped", "task", id)
	}
	m.masters = make(map[string]*coordinator.StrategyMaster)
	m.cancels = make(map[string]context.CancelFunc)
}

// Running reports the ids of tasks currently managed
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.masters))
	for id := range m.masters {
		out = append(out, id)
	}
	return out
}
