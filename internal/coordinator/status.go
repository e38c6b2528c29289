package coordinator

import (
	"context"
	"net"
	"os"
	"time"

	"execution_engine/internal/bus"
	"execution_engine/internal/core"
	"execution_engine/pkg/telemetry"
)

// onTimer is the periodic pass: market data health, order inspection,
// strategy timers, status aggregation and reporting, then housekeeping.
// It runs on the event loop, never concurrently with bus events.
func (m *StrategyMaster) onTimer() {
	m.checkMarketData()
	m.inspectOrdersOnTime()

	if m.status != core.TaskPaused && m.status != core.TaskPending {
		for _, s := range m.strategies {
			s.OnTimer()
			s.CheckDealSize()
			s.CheckEndTime()
		}
	}

	m.checkTaskStatus()
	m.resetStaleWarning()
	m.sendStatus()
	m.updateGauges()

	for id := range m.strategies {
		m.ClearTimeoutPendingOrders(id)
	}
	m.saveOrders()
}

// checkTaskStatus rolls strategy completion up to the task
func (m *StrategyMaster) checkTaskStatus() {
	if m.status == core.TaskFinished || m.status == core.TaskDeleted {
		return
	}
	for _, s := range m.strategies {
		if s.Status() != core.TaskFinished {
			return
		}
	}
	m.status = core.TaskFinished
	m.statusMsg = ""
	m.logger.Info("All strategies finished, task complete")
}

// resetStaleWarning clears a warning nobody refreshed. A strategy that is
// still unhappy will set it again on its next pass.
func (m *StrategyMaster) resetStaleWarning() {
	if m.status != core.TaskWarning || m.warningSince.IsZero() {
		return
	}
	reset := time.Duration(m.deps.Cfg.Engine.WarningResetSec) * time.Second
	if m.clock().Sub(m.warningSince) < reset {
		return
	}
	m.status = core.TaskRunning
	m.statusMsg = ""
	m.warningSince = time.Time{}
}

func (m *StrategyMaster) sendStatus() {
	report := m.statusReport()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.deps.Bus.Publish(ctx, m.deps.Cfg.Channels.TaskStatus, report); err != nil {
		m.logger.Warn("Status publish failed", "error", err)
	}
	monitor := bus.MonitorKey(m.deps.Cfg.Channels.StatusMonitor, m.task.TestMode)
	if err := m.deps.Bus.Publish(ctx, monitor, report); err != nil {
		m.logger.Warn("Monitor publish failed", "error", err)
	}
}

func (m *StrategyMaster) statusReport() *core.StatusReport {
	report := &core.StatusReport{
		IP:         localIP(),
		PID:        os.Getpid(),
		Name:       m.task.TaskID,
		Status:     m.status,
		StatusMsg:  m.statusMsg,
		StartTime:  m.task.StartTime,
		EndTime:    m.task.EndTime,
		UpdateTime: m.clock().Format("2006-01-02 15:04:05"),
		Strategies: make(map[string]*core.StrategyStatus, len(m.strategies)),
	}
	for id, s := range m.strategies {
		report.Strategies[id] = m.strategyStatus(s)
	}
	return report
}

func (m *StrategyMaster) strategyStatus(s core.IStrategy) *core.StrategyStatus {
	st := s.Task()
	status := &core.StrategyStatus{
		StrategyID:     st.StrategyID,
		Exchange:       st.Exchange,
		Account:        st.Account,
		Direction:      st.Direction,
		CurrencyType:   st.CurrencyType,
		PriceThreshold: st.PriceThreshold,
		TotalSize:      st.TotalSize,
		StartTime:      st.StartTime,
		EndTime:        st.EndTime,
		DealSize:       s.DealSize(),
		Attention:      s.Attention(),
		CurrentPrice:   s.CurrentPrice(),
		Status:         s.Status(),
	}
	if sym, ok := core.SymbolFromList(st.Symbol); ok {
		status.Symbol = sym.Name
	}
	if msgr, ok := s.(interface{ StatusMsg() string }); ok {
		status.StatusMsg = msgr.StatusMsg()
	}
	return status
}

// updateGauges feeds the observable instruments registered at process start
func (m *StrategyMaster) updateGauges() {
	holder := telemetry.GetGlobalMetrics()
	for id, s := range m.strategies {
		holder.SetDealSize(id, s.DealSize().InexactFloat64())
		holder.SetActiveOrders(id, int64(len(m.store.ActiveOrders(id))))
		holder.SetPendingOrders(id, int64(len(m.store.PendingOrders(id))))
	}
}

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "unknown"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "unknown"
}
