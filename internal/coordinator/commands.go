package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"execution_engine/internal/core"
)

func (m *StrategyMaster) onCommandMessage(message []byte) {
	var cmd core.CommandMessage
	if err := json.Unmarshal(message, &cmd); err != nil {
		m.logger.Error("Malformed command", "error", err)
		return
	}
	if cmd.TaskID != m.task.TaskID {
		return
	}
	m.Enqueue(func() { m.processCommand(&cmd) })
}

// processCommand handles one operator command and answers it exactly once
func (m *StrategyMaster) processCommand(cmd *core.CommandMessage) {
	m.logger.Info("Command received", "type", cmd.Type, "client", cmd.ClientID)
	resp := &core.CommandResponse{
		TaskID:   m.task.TaskID,
		Type:     cmd.Type,
		ClientID: cmd.ClientID,
		Result:   true,
	}

	switch cmd.Type {
	case core.CommandStart:
		if m.status == core.TaskPending || m.status == core.TaskPaused {
			m.status = core.TaskRunning
		}
	case core.CommandPause:
		m.status = core.TaskPaused
	case core.CommandResume:
		if cmd.Task != nil {
			m.retune(cmd.Task)
		}
		m.status = core.TaskRunning
		m.statusMsg = ""
		m.warningSince = time.Time{}
	case core.CommandDelete:
		m.handleDelete(cmd, resp)
	case core.CommandDownload:
		pending, active, finished := m.store.Snapshot()
		resp.Data = map[string]interface{}{
			"pending":  pending,
			"active":   active,
			"finished": finished,
		}
	case core.CommandStatistics:
		resp.Data = m.statistics()
	case core.CommandExportStatistics:
		orders, err := m.deps.History.ListByTask(m.task.TaskID)
		if err != nil {
			resp.Result = false
			resp.Msg = err.Error()
			break
		}
		resp.Data = map[string]interface{}{
			"statistics": m.statistics(),
			"orders":     orders,
		}
	case core.CommandSendOrder:
		m.handleManualSend(cmd, resp)
	case core.CommandCancelOrder:
		refID, _ := cmd.Body["ref_id"].(string)
		if err := m.CancelOrder(refID, true); err != nil {
			resp.Result = false
			resp.Msg = err.Error()
		}
	case core.CommandInspectOrder:
		refID, _ := cmd.Body["ref_id"].(string)
		if err := m.InspectOrder(refID); err != nil {
			resp.Result = false
			resp.Msg = err.Error()
		}
	case core.CommandCancelAllOrders:
		resp.Data = m.cancelAllActive()
	case core.CommandOrderStatus:
		refID, _ := cmd.Body["ref_id"].(string)
		order := m.LookupOrder(refID)
		if order == nil {
			resp.Result = false
			resp.Msg = fmt.Sprintf("unknown order %s", refID)
			break
		}
		resp.Data = order
	case core.CommandFinishedOrders:
		resp.Data = m.store.FinishedOrders("")
	case core.CommandUnfinishedOrders:
		resp.Data = map[string]interface{}{
			"pending": m.store.PendingOrders(""),
			"active":  m.store.ActiveOrders(""),
		}
	default:
		resp.Result = false
		resp.Msg = fmt.Sprintf("unknown command %q", cmd.Type)
	}

	resp.Status = m.status
	m.respond(resp)
}

// handleDelete refuses to drop a task with live orders unless forced, and
// sweeps active orders with forced cancels on the way out
func (m *StrategyMaster) handleDelete(cmd *core.CommandMessage, resp *core.CommandResponse) {
	force, _ := cmd.Body["force"].(bool)
	force = force || m.task.ForceDelete
	if m.store.CountUnfinished() > 0 && !force {
		resp.Result = false
		resp.Msg = fmt.Sprintf("%d orders still live, use force to delete anyway", m.store.CountUnfinished())
		return
	}
	m.cancelAllActive()
	m.status = core.TaskDeleted
	m.saveOrders()
	m.logger.Info("Task deleted", "forced", force)
}

// retune adopts a replacement task's mutable strategy parameters in place.
// Time windows are fixed at construction and stay as they were.
func (m *StrategyMaster) retune(updated *core.Task) {
	for id, next := range updated.Strategies {
		s, ok := m.strategies[id]
		if !ok {
			continue
		}
		st := s.Task()
		st.TotalSize = next.TotalSize
		st.PriceThreshold = next.PriceThreshold
		st.FixedIntervalMs = next.FixedIntervalMs
		st.RandomIntervalMs = next.RandomIntervalMs
		st.AvgVolRef = next.AvgVolRef
		st.FillRatio = next.FillRatio
		st.VolumeFilter = next.VolumeFilter
		m.logger.Info("Strategy retuned", "strategy", id, "total_size", st.TotalSize)
	}
}

func (m *StrategyMaster) handleManualSend(cmd *core.CommandMessage, resp *core.CommandResponse) {
	raw, err := json.Marshal(cmd.Body)
	if err != nil {
		resp.Result = false
		resp.Msg = err.Error()
		return
	}
	var order core.Order
	if err := json.Unmarshal(raw, &order); err != nil {
		resp.Result = false
		resp.Msg = err.Error()
		return
	}
	strategyID := order.Notes.StrategyID
	if strategyID == "" {
		strategyID, _ = cmd.Body["strategy_id"].(string)
		order.Notes.StrategyID = strategyID
	}
	s, ok := m.strategies[strategyID]
	if !ok {
		resp.Result = false
		resp.Msg = fmt.Sprintf("unknown strategy %q", strategyID)
		return
	}
	refID, err := m.SendOrder(s.Task(), &order)
	if err != nil {
		resp.Result = false
		resp.Msg = err.Error()
		return
	}
	resp.Data = map[string]string{"ref_id": refID}
}

func (m *StrategyMaster) cancelAllActive() []string {
	var cancelled []string
	for _, order := range m.store.ActiveOrders("") {
		if err := m.CancelOrder(order.RefID, true); err != nil {
			m.logger.Warn("Cancel on sweep failed", "ref_id", order.RefID, "error", err)
			continue
		}
		cancelled = append(cancelled, order.RefID)
	}
	return cancelled
}

func (m *StrategyMaster) statistics() map[string]core.OrderStatistics {
	out := make(map[string]core.OrderStatistics, len(m.strategies))
	for id := range m.strategies {
		out[id] = m.store.Statistics(id)
	}
	return out
}

func (m *StrategyMaster) respond(resp *core.CommandResponse) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.deps.Bus.Publish(ctx, m.deps.Cfg.Channels.TaskCommandResp, resp); err != nil {
		m.logger.Error("Command response publish failed", "client", resp.ClientID, "error", err)
	}
}
