package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal    = "execution_engine_orders_placed_total"
	MetricOrdersFilledTotal    = "execution_engine_orders_filled_total"
	MetricOrdersCancelledTotal = "execution_engine_orders_cancelled_total"
	MetricOrdersRejectedTotal  = "execution_engine_orders_rejected_total"
	MetricOrdersActive         = "execution_engine_orders_active"
	MetricOrdersPending        = "execution_engine_orders_pending"
	MetricDealSize             = "execution_engine_deal_size"
	MetricVolumeTotal          = "execution_engine_volume_total"
	MetricAlarmsTotal          = "execution_engine_alarms_total"
	MetricGatewayErrorsTotal   = "execution_engine_gateway_errors_total"
	MetricBusMessagesTotal     = "execution_engine_bus_messages_total"
	MetricBusReconnectsTotal   = "execution_engine_bus_reconnects_total"
	MetricResponseLatency      = "execution_engine_response_latency_ms"
	MetricTimerDuration        = "execution_engine_timer_duration_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	OrdersCancelledTotal metric.Int64Counter
	OrdersRejectedTotal  metric.Int64Counter
	OrdersActive         metric.Int64ObservableGauge
	OrdersPending        metric.Int64ObservableGauge
	DealSize             metric.Float64ObservableGauge
	VolumeTotal          metric.Float64Counter
	AlarmsTotal          metric.Int64Counter
	GatewayErrorsTotal   metric.Int64Counter
	BusMessagesTotal     metric.Int64Counter
	BusReconnectsTotal   metric.Int64Counter
	ResponseLatency      metric.Float64Histogram
	TimerDuration        metric.Float64Histogram

	// State for observable gauges, keyed by strategy id
	mu              sync.RWMutex
	activeOrdersMap map[string]int64
	pendingOrderMap map[string]int64
	dealSizeMap     map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activeOrdersMap: make(map[string]int64),
			pendingOrderMap: make(map[string]int64),
			dealSizeMap:     make(map[string]float64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders sent to the gateway"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders fully filled"))
	if err != nil {
		return err
	}

	m.OrdersCancelledTotal, err = meter.Int64Counter(MetricOrdersCancelledTotal, metric.WithDescription("Total orders cancelled"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders rejected by the gateway"))
	if err != nil {
		return err
	}

	m.VolumeTotal, err = meter.Float64Counter(MetricVolumeTotal, metric.WithDescription("Total filled volume in base currency"))
	if err != nil {
		return err
	}

	m.AlarmsTotal, err = meter.Int64Counter(MetricAlarmsTotal, metric.WithDescription("Total alarms raised"))
	if err != nil {
		return err
	}

	m.GatewayErrorsTotal, err = meter.Int64Counter(MetricGatewayErrorsTotal, metric.WithDescription("Total gateway error responses by code"))
	if err != nil {
		return err
	}

	m.BusMessagesTotal, err = meter.Int64Counter(MetricBusMessagesTotal, metric.WithDescription("Total messages received from the bus"))
	if err != nil {
		return err
	}

	m.BusReconnectsTotal, err = meter.Int64Counter(MetricBusReconnectsTotal, metric.WithDescription("Total bus reconnections"))
	if err != nil {
		return err
	}

	m.ResponseLatency, err = meter.Float64Histogram(MetricResponseLatency, metric.WithDescription("Time from order request to gateway response"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.TimerDuration, err = meter.Float64Histogram(MetricTimerDuration, metric.WithDescription("Duration of one timer pass"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.OrdersActive, err = meter.Int64ObservableGauge(MetricOrdersActive, metric.WithDescription("Number of currently active orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for id, val := range m.activeOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("strategy", id)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OrdersPending, err = meter.Int64ObservableGauge(MetricOrdersPending, metric.WithDescription("Number of orders awaiting gateway acceptance"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for id, val := range m.pendingOrderMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("strategy", id)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.DealSize, err = meter.Float64ObservableGauge(MetricDealSize, metric.WithDescription("Executed size per strategy"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for id, val := range m.dealSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("strategy", id)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetActiveOrders(strategyID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrdersMap[strategyID] = count
}

func (m *MetricsHolder) SetPendingOrders(strategyID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingOrderMap[strategyID] = count
}

func (m *MetricsHolder) SetDealSize(strategyID string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dealSizeMap[strategyID] = size
}

func (m *MetricsHolder) GetActiveOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.activeOrdersMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetDealSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.dealSizeMap {
		res[k] = v
	}
	return res
}
