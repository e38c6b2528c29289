package coordinator

import (
	"context"
	"fmt"

	"execution_engine/internal/alert"
	"execution_engine/internal/core"
	apperrors "execution_engine/pkg/errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// handleGatewayError classifies a failed gateway response, downgrades the
// strategy to WARNING, and escalates to the operator channels after
// repeated failures. Rate-limited inspections widen their own pacing
// instead of counting toward escalation.
func (m *StrategyMaster) handleGatewayError(s core.IStrategy, resp *core.TradeResponse) {
	kind := apperrors.ClassifyCode(resp.ErrorCode)
	m.logger.Warn("Gateway error",
		"ref_id", resp.RefID, "action", resp.Action,
		"code", resp.ErrorCode, "kind", kind.String(), "msg", resp.ErrorMsg)
	if m.gatewayErrors != nil {
		m.gatewayErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("code", resp.ErrorCode),
				attribute.String("kind", kind.String())))
	}

	msg := fmt.Sprintf("%s %s failed: %s %s", resp.Action, resp.RefID, resp.ErrorCode, resp.ErrorMsg)
	s.SetStatus(core.TaskWarning, msg)

	if kind == apperrors.KindRateLimit && resp.Action == core.ActionInspectOrder {
		s.ProcessFrequencyError(core.ActionInspectOrder)
		return
	}

	id := s.StrategyID()
	m.errorCounts[id]++
	if m.errorCounts[id] >= m.deps.Cfg.Engine.ErrorEscalationCount {
		m.errorCounts[id] = 0
		m.escalate(s, msg)
	}
}

func (m *StrategyMaster) escalate(s core.IStrategy, msg string) {
	m.Alarm(fmt.Sprintf("%s keeps failing at the gateway: %s", s.StrategyID(), msg),
		core.AlarmOrderResponseException)
	if m.deps.Alerts == nil {
		return
	}
	m.deps.Alerts.Alert(context.Background(),
		fmt.Sprintf("Execution task %s needs attention", m.task.TaskID),
		msg, alert.Error,
		map[string]string{
			"task":     m.task.TaskID,
			"strategy": s.StrategyID(),
			"customer": m.task.CustomerID,
		})
}
