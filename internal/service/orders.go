package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"execution_engine/internal/bus"
	"execution_engine/internal/config"
	"execution_engine/internal/core"
	"execution_engine/internal/oms"
	"execution_engine/internal/store"
)

// liveWindow is how recently a task must have reported status for its
// coordinator to be considered alive and left to answer its own commands.
const liveWindow = 30 * time.Second

// OrderService answers order queries for tasks whose coordinator has exited.
// It reads the order snapshot the coordinator left behind; a task without a
// snapshot is either live or unknown, and in both cases not ours to answer.
type OrderService struct {
	cfg     *config.Config
	bus     core.IBus
	cache   *store.OrderCache
	history *store.HistoryStore
	logger  core.ILogger
	now     func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func NewOrderService(cfg *config.Config, b core.IBus, cache *store.OrderCache, history *store.HistoryStore, logger core.ILogger) *OrderService {
	return &OrderService{
		cfg:      cfg,
		bus:      b,
		cache:    cache,
		history:  history,
		logger:   logger.WithField("component", "order_service"),
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

// Start subscribes the service's channels
func (s *OrderService) Start(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx, s.cfg.Channels.TaskCommand, s.onCommand); err != nil {
		return err
	}
	for _, testMode := range []bool{false, true} {
		channel := bus.MonitorKey(s.cfg.Channels.StatusMonitor, testMode)
		if err := s.bus.Subscribe(ctx, channel, s.onStatusReport); err != nil {
			return err
		}
	}
	s.logger.Info("Order service started")
	return nil
}

// Run starts the service and blocks until ctx is cancelled
func (s *OrderService) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *OrderService) onStatusReport(message []byte) {
	var report core.StatusReport
	if err := json.Unmarshal(message, &report); err != nil || report.Name == "" {
		return
	}
	s.mu.Lock()
	s.lastSeen[report.Name] = s.now()
	s.mu.Unlock()
}

// taskLive reports whether the task's coordinator has published status
// recently enough to be answering commands itself.
func (s *OrderService) taskLive(taskID string) bool {
	s.mu.Lock()
	seen, ok := s.lastSeen[taskID]
	s.mu.Unlock()
	return ok && s.now().Sub(seen) < liveWindow
}

func (s *OrderService) onCommand(message []byte) {
	var cmd core.CommandMessage
	if err := json.Unmarshal(message, &cmd); err != nil {
		s.logger.Error("Malformed command", "error", err)
		return
	}

	switch cmd.Type {
	case core.CommandOrderStatus, core.CommandUnfinishedOrders, core.CommandFinishedOrders,
		core.CommandStatistics, core.CommandDownload, core.CommandExportStatistics:
	default:
		return
	}
	if s.taskLive(cmd.TaskID) || !s.cache.Exists(cmd.TaskID) {
		return
	}

	s.logger.Info("Command received", "type", cmd.Type, "task_id", cmd.TaskID, "client", cmd.ClientID)
	s.process(&cmd)
}

func (s *OrderService) process(cmd *core.CommandMessage) {
	resp := &core.CommandResponse{
		TaskID:   cmd.TaskID,
		Type:     cmd.Type,
		ClientID: cmd.ClientID,
		Status:   core.TaskFinished,
		Result:   true,
	}

	pending, active, finished, err := s.cache.Peek(cmd.TaskID)
	if err != nil {
		resp.Result = false
		resp.Msg = err.Error()
		s.respond(resp)
		return
	}

	switch cmd.Type {
	case core.CommandOrderStatus, core.CommandDownload:
		resp.Data = map[string]interface{}{
			"pending":  pending,
			"active":   active,
			"finished": finished,
		}
	case core.CommandUnfinishedOrders:
		resp.Data = map[string]interface{}{
			"pending": pending,
			"active":  active,
		}
	case core.CommandFinishedOrders:
		resp.Data = finished
	case core.CommandStatistics:
		resp.Data = s.statistics(pending, active, finished)
	case core.CommandExportStatistics:
		orders, err := s.history.ListByTask(cmd.TaskID)
		if err != nil {
			resp.Result = false
			resp.Msg = err.Error()
			break
		}
		resp.Data = map[string]interface{}{
			"statistics": s.statistics(pending, active, finished),
			"orders":     orders,
		}
	}

	s.respond(resp)
}

// statistics rebuilds an order store from the snapshot and aggregates per
// strategy, the same cut a live coordinator reports.
func (s *OrderService) statistics(pending, active, finished map[string]*core.Order) map[string]core.OrderStatistics {
	st := oms.NewStore(s.logger)
	st.Restore(pending, active, finished, false)

	ids := make(map[string]struct{})
	for _, orders := range []map[string]*core.Order{pending, active, finished} {
		for _, order := range orders {
			ids[order.Notes.StrategyID] = struct{}{}
		}
	}

	out := make(map[string]core.OrderStatistics, len(ids))
	for id := range ids {
		out[id] = st.Statistics(id)
	}
	return out
}

func (s *OrderService) respond(resp *core.CommandResponse) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, s.cfg.Channels.TaskCommandResp, resp); err != nil {
		s.logger.Error("Command response publish failed", "client", resp.ClientID, "error", err)
	}
}
