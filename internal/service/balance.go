// Package service hosts the stateless side-services that answer operator
// queries the per-task coordinators cannot: account balance lookups, status
// of tasks whose process is gone, and order queries against persisted state.
package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"execution_engine/internal/bus"
	"execution_engine/internal/config"
	"execution_engine/internal/core"
)

// masterCommand is the operator request shape on the master command channel
type masterCommand struct {
	Type     core.Command `json:"type"`
	ClientID string       `json:"client_id"`
	TaskID   string       `json:"task_id,omitempty"`
	Exchange string       `json:"exchange,omitempty"`
	Account  string       `json:"account,omitempty"`
	TestMode bool         `json:"test_mode,omitempty"`
}

// balanceRequest is the query_balance envelope published to the gateway
type balanceRequest struct {
	Strategy string            `json:"strategy"`
	RefID    string            `json:"ref_id"`
	Action   core.OrderAction  `json:"action"`
	Metadata map[string]string `json:"metadata"`
}

// BalanceService answers get_balance and inspect commands that are not
// addressed to any one task. Balance queries are forwarded to the gateway on
// the shared trade channel and relayed back when the response arrives; task
// inspections are answered from a cache of the status reports every
// coordinator publishes on the monitor channel.
type BalanceService struct {
	cfg    *config.Config
	bus    core.IBus
	logger core.ILogger

	mu       sync.Mutex
	statuses map[string]*core.StatusReport
}

func NewBalanceService(cfg *config.Config, b core.IBus, logger core.ILogger) *BalanceService {
	return &BalanceService{
		cfg:      cfg,
		bus:      b,
		logger:   logger.WithField("component", "balance_service"),
		statuses: make(map[string]*core.StatusReport),
	}
}

// Start subscribes the service's channels
func (s *BalanceService) Start(ctx context.Context) error {
	name := s.cfg.App.StrategyName
	subs := []struct {
		channel string
		handler func([]byte)
	}{
		{s.cfg.Channels.MasterCommand, s.onCommand},
		{bus.TradeResponseChannel(name, false), s.onTradeResponse},
		{bus.TradeResponseChannel(name, true), s.onTradeResponse},
		{bus.MonitorKey(s.cfg.Channels.StatusMonitor, false), s.onStatusReport},
		{bus.MonitorKey(s.cfg.Channels.StatusMonitor, true), s.onStatusReport},
	}
	for _, sub := range subs {
		if err := s.bus.Subscribe(ctx, sub.channel, sub.handler); err != nil {
			return err
		}
	}
	s.logger.Info("Balance service started")
	return nil
}

// Run starts the service and blocks until ctx is cancelled
func (s *BalanceService) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *BalanceService) onCommand(message []byte) {
	var cmd masterCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		s.logger.Error("Malformed master command", "error", err)
		return
	}

	switch cmd.Type {
	case core.CommandGetBalance:
		s.requestBalance(&cmd)
	case core.CommandInspectTask:
		s.inspectTask(&cmd)
	}
}

// requestBalance forwards the query to the gateway. The operator's client id
// rides as the ref_id so the response can be correlated without local state.
func (s *BalanceService) requestBalance(cmd *masterCommand) {
	req := balanceRequest{
		Strategy: s.cfg.App.StrategyName,
		RefID:    cmd.ClientID,
		Action:   core.ActionQueryBalance,
		Metadata: map[string]string{
			"exchange":   cmd.Exchange,
			"account_id": cmd.Account,
			"currency":   "",
		},
	}
	channel := bus.TradeRequestChannel(s.cfg.App.StrategyName, cmd.TestMode)
	if err := s.publish(channel, req); err != nil {
		s.logger.Error("Balance request publish failed", "client", cmd.ClientID, "error", err)
	}
}

func (s *BalanceService) onTradeResponse(message []byte) {
	var resp core.TradeResponse
	if err := json.Unmarshal(message, &resp); err != nil {
		return
	}
	if resp.Action != core.ActionQueryBalance {
		return
	}

	answer := map[string]interface{}{
		"client_id": resp.RefID,
		"action":    core.ActionQueryBalance,
		"metadata":  resp.Metadata["metadata"],
	}
	if err := s.publish(s.cfg.Channels.MasterCmdResp, answer); err != nil {
		s.logger.Error("Balance response publish failed", "client", resp.RefID, "error", err)
	}
}

func (s *BalanceService) onStatusReport(message []byte) {
	var report core.StatusReport
	if err := json.Unmarshal(message, &report); err != nil || report.Name == "" {
		return
	}
	s.mu.Lock()
	s.statuses[report.Name] = &report
	s.mu.Unlock()
}

// inspectTask answers from the cached status reports. A task the service has
// never heard from gets result false so the UI can tell "unknown" from "down".
func (s *BalanceService) inspectTask(cmd *masterCommand) {
	s.mu.Lock()
	report, ok := s.statuses[cmd.TaskID]
	s.mu.Unlock()

	var answer map[string]interface{}
	if ok {
		raw, err := json.Marshal(report)
		if err != nil {
			s.logger.Error("Status report marshal failed", "task_id", cmd.TaskID, "error", err)
			return
		}
		answer = make(map[string]interface{})
		if err := json.Unmarshal(raw, &answer); err != nil {
			return
		}
		answer["client_id"] = cmd.ClientID
		answer["result"] = true
	} else {
		answer = map[string]interface{}{"client_id": cmd.ClientID, "result": false}
	}

	if err := s.publish(s.cfg.Channels.MasterCmdResp, answer); err != nil {
		s.logger.Error("Inspect response publish failed", "client", cmd.ClientID, "error", err)
	}
}

func (s *BalanceService) publish(channel string, payload interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.bus.Publish(ctx, channel, payload)
}
