// Package coordinator runs one StrategyMaster per task: it owns the task's
// order store and global ledger, routes bus traffic to the task's
// strategies, and serializes everything onto a single event loop.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"execution_engine/internal/alert"
	"execution_engine/internal/balance"
	"execution_engine/internal/bus"
	"execution_engine/internal/config"
	"execution_engine/internal/core"
	"execution_engine/internal/oms"
	"execution_engine/internal/store"
	"execution_engine/internal/strategy"
	"execution_engine/pkg/concurrency"
	"execution_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Deps carries the process-level collaborators a master needs
type Deps struct {
	Cfg        *config.Config
	Bus        core.IBus
	Logger     core.ILogger
	Alerts     *alert.AlertManager
	OrderCache *store.OrderCache
	History    *store.HistoryStore
	Pool       *concurrency.WorkerPool
	Clock      func() time.Time
}

// StrategyMaster coordinates one task. All state mutation happens on its
// event loop; bus handlers only enqueue closures.
type StrategyMaster struct {
	task   *core.Task
	deps   Deps
	logger core.ILogger
	clock  func() time.Time

	store      *oms.Store
	ledger     *balance.Ledger
	strategies map[string]core.IStrategy

	// Snapshot ledgers fed by gateway balance pushes, keyed exchange|account.
	// Venues not flagged balance-by-order-response size off these.
	pushLedgers map[string]*balance.Ledger

	status       core.TaskStatus
	statusMsg    string
	warningSince time.Time

	events chan func()
	done   chan struct{}

	subscriptions  map[string]struct{}
	mdLastSeen     map[string]time.Time
	mdMissCount    map[string]int
	mdType         map[string]core.MarketDataType
	mdStaleAlarmed map[string]bool

	inspectTicks map[string]int
	errorCounts  map[string]int

	requestSentAt map[string]time.Time

	ordersPlaced    metric.Int64Counter
	ordersFilled    metric.Int64Counter
	ordersCancelled metric.Int64Counter
	ordersRejected  metric.Int64Counter
	gatewayErrors   metric.Int64Counter
	alarmsTotal     metric.Int64Counter
	responseLatency metric.Float64Histogram
	timerDuration   metric.Float64Histogram
}

// NewStrategyMaster builds a master for one task, restoring any order
// snapshot a previous run left behind
func NewStrategyMaster(task *core.Task, deps Deps) (*StrategyMaster, error) {
	if task.TaskID == "" {
		return nil, fmt.Errorf("task without task_id")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	logger := deps.Logger.WithField("task", task.TaskID)

	m := &StrategyMaster{
		task:           task,
		deps:           deps,
		logger:         logger,
		clock:          deps.Clock,
		store:          oms.NewStore(logger),
		ledger:         balance.NewLedger(task.InitialBalance),
		strategies:     make(map[string]core.IStrategy),
		pushLedgers:    make(map[string]*balance.Ledger),
		status:         core.TaskPending,
		events:         make(chan func(), 256),
		done:           make(chan struct{}),
		subscriptions:  make(map[string]struct{}),
		mdLastSeen:     make(map[string]time.Time),
		mdMissCount:    make(map[string]int),
		mdType:         make(map[string]core.MarketDataType),
		mdStaleAlarmed: make(map[string]bool),
		inspectTicks:   make(map[string]int),
		errorCounts:    make(map[string]int),
		requestSentAt:  make(map[string]time.Time),
	}
	m.initInstruments()

	env := strategy.Env{
		Exec:           m,
		Logger:         logger,
		Clock:          deps.Clock,
		MaxSizeByQuote: deps.Cfg.MaxSize,
		DealSizeAlarm:  time.Duration(deps.Cfg.Engine.DealSizeAlarmSec) * time.Second,
	}
	for id, st := range task.Strategies {
		if st.StrategyID == "" {
			st.StrategyID = id
		}
		if st.InitialBalance == nil {
			st.InitialBalance = task.InitialBalance
		}
		s, err := strategy.New(st, task, env, deps.Cfg.Exchanges.VWAPSupport)
		if err != nil {
			return nil, err
		}
		if !deps.Cfg.Exchanges.BalanceByOrderRes[st.Exchange] {
			if u, ok := s.(interface{ UseSizingLedger(*balance.Ledger) }); ok {
				u.UseSizingLedger(m.pushLedger(st.Exchange, st.Account))
			}
		}
		m.strategies[st.StrategyID] = s
	}
	if len(m.strategies) == 0 {
		return nil, fmt.Errorf("task %s has no strategies", task.TaskID)
	}

	m.restoreOrders()
	return m, nil
}

func (m *StrategyMaster) initInstruments() {
	meter := telemetry.GetMeter("execution_engine_coordinator")
	m.ordersPlaced, _ = meter.Int64Counter(telemetry.MetricOrdersPlacedTotal)
	m.ordersFilled, _ = meter.Int64Counter(telemetry.MetricOrdersFilledTotal)
	m.ordersCancelled, _ = meter.Int64Counter(telemetry.MetricOrdersCancelledTotal)
	m.ordersRejected, _ = meter.Int64Counter(telemetry.MetricOrdersRejectedTotal)
	m.gatewayErrors, _ = meter.Int64Counter(telemetry.MetricGatewayErrorsTotal)
	m.alarmsTotal, _ = meter.Int64Counter(telemetry.MetricAlarmsTotal)
	m.responseLatency, _ = meter.Float64Histogram(telemetry.MetricResponseLatency)
	m.timerDuration, _ = meter.Float64Histogram(telemetry.MetricTimerDuration)
}

// restoreOrders replays the consumed-on-load snapshot into the store
func (m *StrategyMaster) restoreOrders() {
	if m.deps.OrderCache == nil {
		return
	}
	pending, active, finished, err := m.deps.OrderCache.Load(m.task.TaskID)
	if err != nil {
		m.logger.Error("Order snapshot load failed", "error", err)
		return
	}
	if pending == nil && active == nil && finished == nil {
		return
	}
	m.store.Restore(pending, active, finished, m.orderUpdateCapable())
	m.logger.Info("Order snapshot restored",
		"pending", len(pending), "active", len(active), "finished", len(finished))
}

// TaskID returns the task this master runs
func (m *StrategyMaster) TaskID() string { return m.task.TaskID }

// Status returns the master's aggregate status
func (m *StrategyMaster) Status() core.TaskStatus { return m.status }

// Task returns the running task definition
func (m *StrategyMaster) Task() *core.Task { return m.task }

// Start subscribes the task's channels and runs the event loop until the
// context ends
func (m *StrategyMaster) Start(ctx context.Context) error {
	if err := m.subscribeAll(ctx); err != nil {
		return err
	}
	go m.run(ctx)
	return nil
}

// Enqueue posts work onto the event loop. It drops with a log line when the
// loop has stopped, so late bus callbacks cannot block the transport.
func (m *StrategyMaster) Enqueue(fn func()) {
	select {
	case <-m.done:
		return
	case m.events <- fn:
	}
}

func (m *StrategyMaster) run(ctx context.Context) {
	interval := time.Duration(m.deps.Cfg.Engine.TimerIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case fn := <-m.events:
			m.safely(fn)
		case <-ticker.C:
			start := m.clock()
			m.safely(m.onTimer)
			if m.timerDuration != nil {
				m.timerDuration.Record(context.Background(),
					float64(m.clock().Sub(start).Milliseconds()),
					metric.WithAttributes(attribute.String("task", m.task.TaskID)))
			}
		}
	}
}

// safely isolates one event: a panicking strategy must not take down the
// whole task loop
func (m *StrategyMaster) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Recovered from panic in event loop", "panic", r)
		}
	}()
	fn()
}

func (m *StrategyMaster) shutdown() {
	m.saveOrders()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for ch := range m.subscriptions {
		if err := m.deps.Bus.Unsubscribe(ctx, ch); err != nil {
			m.logger.Warn("Unsubscribe failed", "channel", ch, "error", err)
		}
	}
	m.logger.Info("Task loop stopped", "status", m.status)
}

// Done reports loop termination for callers that need to wait
func (m *StrategyMaster) Done() <-chan struct{} { return m.done }

func (m *StrategyMaster) saveOrders() {
	if m.deps.OrderCache == nil {
		return
	}
	pending, active, finished := m.store.Snapshot()
	if err := m.deps.OrderCache.Save(m.task.TaskID, pending, active, finished); err != nil {
		m.logger.Error("Order snapshot save failed", "error", err)
	}
}

func (m *StrategyMaster) orderUpdateCapable() bool {
	for _, s := range m.strategies {
		if m.deps.Cfg.Exchanges.OrderUpdate[s.Task().Exchange] {
			return true
		}
	}
	return false
}

func (m *StrategyMaster) strategyFor(resp *core.TradeResponse) (core.IStrategy, bool) {
	if resp.StrategyID != "" {
		s, ok := m.strategies[resp.StrategyID]
		return s, ok
	}
	if order, ok := m.store.Lookup(resp.RefID); ok {
		s, ok := m.strategies[order.Notes.StrategyID]
		return s, ok
	}
	return nil, false
}

// SendOrder implements core.ExecutionContext: reserve, stage pending, and
// publish the request
func (m *StrategyMaster) SendOrder(st *core.StrategyTask, order *core.Order) (string, error) {
	now := m.clock()
	order.RefID = m.store.NextRefID(now)
	order.CreateTime = core.FormatTimestamp(now)
	order.Status = core.OrderPending
	order.Notes.TaskID = m.task.TaskID
	if order.Notes.StrategyID == "" {
		order.Notes.StrategyID = st.StrategyID
	}
	if order.DelayMs == 0 {
		order.DelayMs = 59000
	}
	if acct, ok := m.task.Accounts[st.Exchange]; ok {
		order.AccountID = acct[st.Account]
	}

	sym := core.Symbol{Name: order.Symbol}
	if full, ok := core.SymbolFromList(st.Symbol); ok && full.Name == order.Symbol {
		sym = full
	} else if med, ok := core.SymbolFromList(st.Median); ok && med.Name == order.Symbol {
		sym = med
	} else if anc, ok := core.SymbolFromList(st.Anchor); ok && anc.Name == order.Symbol {
		sym = anc
	}
	m.ledger.IncreaseReserved(sym, order.Direction, order.Quantity, order.Price)

	m.store.AddPending(order)
	m.requestSentAt[order.RefID] = now

	req := &core.TradeRequest{
		Strategy:   m.deps.Cfg.App.StrategyName,
		TaskID:     m.task.TaskID,
		StrategyID: order.Notes.StrategyID,
		RefID:      order.RefID,
		Action:     core.ActionPlaceOrder,
		Metadata:   order,
	}
	if err := m.publishRequest(req); err != nil {
		return "", err
	}
	if m.ordersPlaced != nil {
		m.ordersPlaced.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("strategy", order.Notes.StrategyID)))
	}
	m.logger.Info("Order sent", "ref_id", order.RefID, "symbol", order.Symbol,
		"direction", order.Direction, "price", order.Price, "quantity", order.Quantity)
	return order.RefID, nil
}

// CancelOrder implements core.ExecutionContext. A cancel already in flight
// is not repeated unless forced.
func (m *StrategyMaster) CancelOrder(refID string, force bool) error {
	order, ok := m.store.Active(refID)
	if !ok {
		return fmt.Errorf("cancel %s: order not active", refID)
	}
	if order.PendingCancel && !force {
		return nil
	}
	order.PendingCancel = true
	return m.publishRequest(&core.TradeRequest{
		Strategy:   m.deps.Cfg.App.StrategyName,
		TaskID:     m.task.TaskID,
		StrategyID: order.Notes.StrategyID,
		RefID:      refID,
		Action:     core.ActionCancelOrder,
		Metadata:   order,
	})
}

// InspectOrder implements core.ExecutionContext
func (m *StrategyMaster) InspectOrder(refID string) error {
	order, ok := m.store.Lookup(refID)
	if !ok {
		return fmt.Errorf("inspect %s: unknown order", refID)
	}
	return m.publishRequest(&core.TradeRequest{
		Strategy:   m.deps.Cfg.App.StrategyName,
		TaskID:     m.task.TaskID,
		StrategyID: order.Notes.StrategyID,
		RefID:      refID,
		Action:     core.ActionInspectOrder,
		Metadata:   order,
	})
}

// LookupOrder implements core.ExecutionContext
func (m *StrategyMaster) LookupOrder(refID string) *core.Order {
	order, ok := m.store.Lookup(refID)
	if !ok {
		return nil
	}
	return order
}

// ActiveOrders implements core.ExecutionContext
func (m *StrategyMaster) ActiveOrders(strategyID string) []*core.Order {
	return m.store.ActiveOrders(strategyID)
}

// PendingOrders implements core.ExecutionContext
func (m *StrategyMaster) PendingOrders(strategyID string) []*core.Order {
	return m.store.PendingOrders(strategyID)
}

// Balance implements core.ExecutionContext: the ledger selected for the
// strategy's venue. Venues whose order responses carry authoritative
// balances read the order-derived ledger, the rest read the latest push.
func (m *StrategyMaster) Balance(strategyID string) map[string]*core.BalanceRecord {
	if s, ok := m.strategies[strategyID]; ok {
		st := s.Task()
		if !m.deps.Cfg.Exchanges.BalanceByOrderRes[st.Exchange] {
			return m.pushLedger(st.Exchange, st.Account).Records()
		}
	}
	return m.ledger.Records()
}

// UpdateStatus implements core.ExecutionContext: strategy trouble surfaces
// on the task status
func (m *StrategyMaster) UpdateStatus(strategyID string, status core.TaskStatus, msg string) {
	if status != core.TaskWarning && status != core.TaskError {
		return
	}
	m.status = status
	m.statusMsg = fmt.Sprintf("%s|%s", strategyID, msg)
	if status == core.TaskWarning && m.warningSince.IsZero() {
		m.warningSince = m.clock()
	}
}

// Alarm implements core.ExecutionContext. Test tasks and tasks that opted
// out never page anyone, but the log line always lands.
func (m *StrategyMaster) Alarm(msg string, code core.AlarmCode) {
	m.logger.Warn("Alarm", "code", code, "msg", msg)
	if m.alarmsTotal != nil {
		m.alarmsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("code", string(code))))
	}
	if m.task.TestMode || !m.task.Alarm {
		return
	}
	payload := &core.AlarmMessage{
		StrategyName: m.deps.Cfg.App.StrategyName,
		Code:         code,
		Msg:          fmt.Sprintf("%s: %s", m.task.TaskID, msg),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.deps.Bus.Publish(ctx, m.deps.Cfg.Channels.StrategyAlarm, payload); err != nil {
		m.logger.Error("Alarm publish failed", "error", err)
	}
}

// ClearTimeoutPendingOrders implements core.ExecutionContext
func (m *StrategyMaster) ClearTimeoutPendingOrders(strategyID string) {
	timeout := time.Duration(m.deps.Cfg.Engine.PendingTimeoutSec) * time.Second
	cleared := m.store.ClearTimeoutPending(timeout, m.clock())
	for _, order := range cleared {
		// Release what SendOrder reserved; the gateway never answered
		m.releaseOrder(order)
		m.logger.Warn("Pending order timed out", "ref_id", order.RefID)
	}
}

// Now implements core.ExecutionContext
func (m *StrategyMaster) Now() int64 { return m.clock().UnixMilli() }

func (m *StrategyMaster) releaseOrder(order *core.Order) {
	sym := m.symbolForOrder(order)
	m.ledger.DecreaseReserved(sym, order.Direction, order.Quantity.Sub(order.Filled), order.Price)
}

func (m *StrategyMaster) symbolForOrder(order *core.Order) core.Symbol {
	if s, ok := m.strategies[order.Notes.StrategyID]; ok {
		st := s.Task()
		for _, parts := range [][]string{st.Symbol, st.Median, st.Anchor} {
			if sym, ok := core.SymbolFromList(parts); ok && sym.Name == order.Symbol {
				return sym
			}
		}
	}
	return core.Symbol{Name: order.Symbol}
}

func (m *StrategyMaster) publishRequest(req *core.TradeRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	channel := bus.TradeRequestChannel(m.deps.Cfg.App.StrategyName, m.task.TestMode)
	return m.deps.Bus.Publish(ctx, channel, req)
}

// DealSizeByStrategy reports executed size per strategy for status and
// statistics consumers
func (m *StrategyMaster) DealSizeByStrategy() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m.strategies))
	for id, s := range m.strategies {
		out[id] = s.DealSize()
	}
	return out
}
