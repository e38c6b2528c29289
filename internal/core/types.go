// Package core defines the shared types and interfaces for the execution engine
package core

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderSubmitted       OrderStatus = "new"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
)

// IsTerminal reports whether the status ends the order lifecycle
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of an execution task or a single strategy
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskPaused   TaskStatus = "paused"
	TaskWarning  TaskStatus = "warning"
	TaskError    TaskStatus = "error"
	TaskDeleted  TaskStatus = "deleted"
	TaskFinished TaskStatus = "finished"
)

// Direction is the trade side
type Direction string

const (
	Buy  Direction = "Buy"
	Sell Direction = "Sell"
)

// Opposite returns the other side
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// Factor returns +1 for Buy and -1 for Sell, the sign applied to base mutations
func (d Direction) Factor() decimal.Decimal {
	if d == Buy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// CurrencyType selects which leg of the symbol the execution total is measured in
type CurrencyType string

const (
	CurrencyBase  CurrencyType = "Base"
	CurrencyQuote CurrencyType = "Quote"
)

// ExecutionMode controls how eagerly a strategy crosses the spread
type ExecutionMode string

const (
	ModePassive    ExecutionMode = "Passive"
	ModeAggressive ExecutionMode = "Aggressive"
)

// TradeRole restricts which side of the book a strategy may stand on
type TradeRole string

const (
	RoleMaker TradeRole = "Maker"
	RoleTaker TradeRole = "Taker"
	RoleBoth  TradeRole = "Both"
	RoleNone  TradeRole = "None"
)

// Algorithm names the execution algorithm run by a strategy
type Algorithm string

const (
	AlgoTWAP            Algorithm = "TWAP"
	AlgoVWAP            Algorithm = "VWAP"
	AlgoIceberg         Algorithm = "ICEBERG"
	AlgoTriangleTWAP    Algorithm = "T-TWAP"
	AlgoTriangleIceberg Algorithm = "T-ICEBERG"
)

// OrderType is the exchange order type
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderAction is a request sent to the order gateway
type OrderAction string

const (
	ActionPlaceOrder      OrderAction = "place_order"
	ActionCancelOrder     OrderAction = "cancel_order"
	ActionInspectOrder    OrderAction = "inspect_order"
	ActionCancelAllOrders OrderAction = "cancel_all_orders"
	ActionQueryBalance    OrderAction = "query_balance"
)

// Command is a control verb received on the command channel
type Command string

const (
	CommandStart            Command = "start"
	CommandPause            Command = "pause"
	CommandResume           Command = "resume"
	CommandDelete           Command = "delete"
	CommandDownload         Command = "download"
	CommandStatistics       Command = "statistics"
	CommandExportStatistics Command = "export_statistics"
	CommandSendOrder        Command = "oms_send_order"
	CommandCancelOrder      Command = "oms_cancel_order"
	CommandInspectOrder     Command = "oms_inspect_order"
	CommandCancelAllOrders  Command = "oms_cancel_all_order"
	CommandOrderStatus      Command = "oms_order_status"
	CommandFinishedOrders   Command = "oms_finished_orders"
	CommandUnfinishedOrders Command = "oms_unfinished_orders"

	// Master commands handled by the balance side-service, not by a task
	CommandGetBalance  Command = "get_balance"
	CommandInspectTask Command = "inspect"
)

// MarketDataType identifies the kind of market data carried on a channel
type MarketDataType string

const (
	DataOrderbook MarketDataType = "orderbook"
	DataTrade     MarketDataType = "trade"
	DataKline     MarketDataType = "kline"
	DataQuote     MarketDataType = "quote"
	DataIndex     MarketDataType = "index"
)

// AlarmCode classifies alarms published for operators
type AlarmCode string

const (
	AlarmDataOutdated           AlarmCode = "050003"
	AlarmDataUnreceived         AlarmCode = "050004"
	AlarmOrderResponseException AlarmCode = "050005"
	AlarmExecuteAbnormal        AlarmCode = "050006"
	AlarmDealSizeNotUpdated     AlarmCode = "080001"
)

// Symbol is a trading pair with its legs resolved, e.g. ["BTCUSDT", "BTC", "USDT"]
type Symbol struct {
	Name  string
	Base  string
	Quote string
}

// SymbolFromList builds a Symbol from the three-element wire form
func SymbolFromList(parts []string) (Symbol, bool) {
	if len(parts) != 3 {
		return Symbol{}, false
	}
	return Symbol{Name: parts[0], Base: parts[1], Quote: parts[2]}, true
}

// List returns the three-element wire form
func (s Symbol) List() []string {
	return []string{s.Name, s.Base, s.Quote}
}

// Contains reports whether the currency is one of the symbol's legs
func (s Symbol) Contains(currency string) bool {
	return currency == s.Base || currency == s.Quote
}

// CoinConfig carries the per-exchange per-symbol trading constraints
type CoinConfig struct {
	BaseMinOrderSize  decimal.Decimal `json:"base_min_order_size" yaml:"base_min_order_size"`
	QuoteMinOrderSize decimal.Decimal `json:"quote_min_order_size" yaml:"quote_min_order_size"`
	PricePrecision    decimal.Decimal `json:"price_precision" yaml:"price_precision"`
	SizePrecision     decimal.Decimal `json:"size_precision" yaml:"size_precision"`
}

// StrategyTask configures a single strategy within a task
type StrategyTask struct {
	StrategyID     string                     `json:"strategy_id"`
	Algorithm      Algorithm                  `json:"algorithm"`
	Exchange       string                     `json:"exchange"`
	Account        string                     `json:"account"`
	Symbol         []string                   `json:"symbol"`
	Median         []string                   `json:"median,omitempty"`
	Anchor         []string                   `json:"anchor,omitempty"`
	Direction      Direction                  `json:"direction"`
	CurrencyType   CurrencyType               `json:"currency_type"`
	TotalSize      decimal.Decimal            `json:"total_size"`
	PriceThreshold *decimal.Decimal           `json:"price_threshold,omitempty"`
	AnchorPrice    *decimal.Decimal           `json:"anchor_price,omitempty"`
	TransferCoin   bool                       `json:"transfer_coin"`
	ExecutionMode  ExecutionMode              `json:"execution_mode"`
	ExchangeFee    decimal.Decimal            `json:"exchange_fee"`
	StartTime      string                     `json:"start_time,omitempty"`
	EndTime        string                     `json:"end_time,omitempty"`
	TradeRole      TradeRole                  `json:"trade_role,omitempty"`
	InitialBalance map[string]decimal.Decimal `json:"initial_balance,omitempty"`

	// TWAP tuning
	FixedIntervalMs  int64 `json:"fixed_interval,omitempty"`
	RandomIntervalMs int64 `json:"random_interval,omitempty"`

	// VWAP tuning
	TimeBased    bool            `json:"time_based,omitempty"`
	AvgVolRef    decimal.Decimal `json:"avg_vol_ref,omitempty"`
	FillRatio    decimal.Decimal `json:"fill_ratio,omitempty"`
	KlineChannel string          `json:"kline_channel,omitempty"`

	// Iceberg tuning
	VolumeFilter decimal.Decimal `json:"volume_filter,omitempty"`
}

// Task is the unit of work claimed from the task queue
type Task struct {
	TaskID         string                               `json:"task_id"`
	InitialBalance map[string]decimal.Decimal           `json:"initial_balance"`
	Strategies     map[string]*StrategyTask             `json:"strategies"`
	CoinConfig     map[string]map[string]CoinConfig     `json:"coin_config"`
	StartTime      string                               `json:"start_time"`
	EndTime        string                               `json:"end_time"`
	TradeRole      TradeRole                            `json:"trade_role"`
	CustomerID     string                               `json:"customer_id"`
	Alarm          bool                                 `json:"alarm"`
	TestMode       bool                                 `json:"test_mode"`
	ForceDelete    bool                                 `json:"force_delete,omitempty"`
	Accounts       map[string]map[string]string         `json:"accounts,omitempty"`
	Extra          map[string]interface{}               `json:"extra,omitempty"`
}

// CoinConfigFor resolves the trading constraints for an exchange/symbol pair
func (t *Task) CoinConfigFor(exchange, symbol string) (CoinConfig, bool) {
	bySymbol, ok := t.CoinConfig[exchange]
	if !ok {
		return CoinConfig{}, false
	}
	cc, ok := bySymbol[symbol]
	return cc, ok
}

// Order is the engine-side record of one order, keyed by its ref_id
type Order struct {
	RefID           string          `json:"ref_id"`
	ExchangeOrderID string          `json:"order_id,omitempty"`
	AccountID       string          `json:"account_id,omitempty"`
	Exchange        string          `json:"exchange"`
	Symbol          string          `json:"symbol"`
	AccountType     string          `json:"account_type"`
	ContractType    string          `json:"contract_type"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Direction       Direction       `json:"direction"`
	OrderType       OrderType       `json:"order_type"`
	StrategyKey     string          `json:"strategy_key"`
	DelayMs         int64           `json:"delay"`
	PostOnly        bool            `json:"post_only"`
	Filled          decimal.Decimal `json:"filled"`
	AvgPrice        decimal.Decimal `json:"avg_price"`
	Status          OrderStatus     `json:"status"`
	CreateTime      string          `json:"create_time"`
	PendingCancel   bool            `json:"pending_cancel,omitempty"`
	Notes           OrderNotes      `json:"notes"`
}

// OrderNotes ties an order back to the strategy that produced it
type OrderNotes struct {
	TaskID     string `json:"task_id"`
	StrategyID string `json:"strategy_id"`
}

// BalanceRecord tracks a single currency inside a ledger
type BalanceRecord struct {
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	Shortable decimal.Decimal `json:"shortable"`
}

// BalancePush is the scheduled account snapshot the gateway publishes for
// one exchange/account pair. The spot_balance object mixes per-currency
// records with a result flag and the account id, so it stays raw until the
// coordinator picks it apart.
type BalancePush struct {
	Exchange       string `json:"exchange"`
	AccountID      string `json:"account_id"`
	GlobalBalances struct {
		SpotBalance map[string]json.RawMessage `json:"spot_balance"`
	} `json:"global_balances"`
}

// TradeRequest is the envelope published to the order gateway
type TradeRequest struct {
	Strategy   string      `json:"strategy"`
	TaskID     string      `json:"task_id"`
	StrategyID string      `json:"strategy_id"`
	RefID      string      `json:"ref_id"`
	Action     OrderAction `json:"action"`
	Metadata   *Order      `json:"metadata"`
}

// OrderInfo is the gateway's view of an order carried inside a TradeResponse
type OrderInfo struct {
	OrderID          string          `json:"order_id,omitempty"`
	AccountID        string          `json:"account_id,omitempty"`
	OriginalAmount   decimal.Decimal `json:"original_amount"`
	OriginalPrice    decimal.Decimal `json:"original_price"`
	FilledAmount     decimal.Decimal `json:"filled_amount"`
	AvgExecutedPrice decimal.Decimal `json:"avg_executed_price"`
	Status           OrderStatus     `json:"status"`
	Direction        Direction       `json:"direction,omitempty"`
}

// TradeResponse is the envelope received back from the order gateway
type TradeResponse struct {
	Strategy   string      `json:"strategy"`
	TaskID     string      `json:"task_id"`
	StrategyID string      `json:"strategy_id,omitempty"`
	RefID      string      `json:"ref_id"`
	Action     OrderAction `json:"action"`
	Result     bool        `json:"result"`
	ErrorCode  string      `json:"error_code,omitempty"`
	ErrorMsg   string      `json:"error_msg,omitempty"`
	OrderInfo  *OrderInfo  `json:"order_info,omitempty"`

	// Metadata carries non-order payloads such as balance query results
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PriceLevel is one side entry of an orderbook: [price, size]
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Orderbook is a two-sided depth snapshot with a 17-digit exchange timestamp
type Orderbook struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Timestamp string       `json:"timestamp"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// MarketTrade is a single public trade print
type MarketTrade struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Timestamp string          `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Direction Direction       `json:"direction"`
}

// Kline is one OHLCV bar
type Kline struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Timestamp string          `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// OrderUpdate is an unsolicited push from exchanges that stream order state
type OrderUpdate struct {
	Exchange         string          `json:"exchange"`
	Symbol           string          `json:"symbol"`
	OrderID          string          `json:"order_id"`
	FilledAmount     decimal.Decimal `json:"filled_amount"`
	AvgExecutedPrice decimal.Decimal `json:"avg_executed_price"`
	OriginalAmount   decimal.Decimal `json:"original_amount"`
	Status           OrderStatus     `json:"status"`
	Timestamp        string          `json:"timestamp"`
}

// CommandMessage is a control request received from operators
type CommandMessage struct {
	TaskID   string                 `json:"task_id"`
	Type     Command                `json:"type"`
	ClientID string                 `json:"client_id"`
	Body     map[string]interface{} `json:"body,omitempty"`
	Task     *Task                  `json:"task,omitempty"`
}

// CommandResponse answers exactly one CommandMessage
type CommandResponse struct {
	TaskID   string      `json:"task_id"`
	Type     Command     `json:"type"`
	ClientID string      `json:"client_id"`
	Status   TaskStatus  `json:"status"`
	Result   bool        `json:"result"`
	Msg      string      `json:"msg,omitempty"`
	Data     interface{} `json:"data,omitempty"`
}

// StrategyStatus is the per-strategy block inside a status report
type StrategyStatus struct {
	StrategyID     string           `json:"strategy_id"`
	Exchange       string           `json:"exchange"`
	Account        string           `json:"account"`
	Symbol         string           `json:"symbol"`
	Direction      Direction        `json:"direction"`
	CurrencyType   CurrencyType     `json:"currency_type"`
	PriceThreshold *decimal.Decimal `json:"price_threshold,omitempty"`
	TotalSize      decimal.Decimal  `json:"total_size"`
	StartTime      string           `json:"start_time"`
	EndTime        string           `json:"end_time"`
	DealSize       decimal.Decimal  `json:"deal_size"`
	Attention      bool             `json:"attention"`
	CurrentPrice   decimal.Decimal  `json:"current_price"`
	Status         TaskStatus       `json:"status"`
	StatusMsg      string           `json:"status_msg"`
}

// StatusReport is the periodic task status snapshot pushed to the UI
type StatusReport struct {
	IP         string                     `json:"ip"`
	PID        int                        `json:"pid"`
	Name       string                     `json:"name"`
	Status     TaskStatus                 `json:"status"`
	StatusMsg  string                     `json:"status_msg"`
	StartTime  string                     `json:"start_time"`
	EndTime    string                     `json:"end_time"`
	UpdateTime string                     `json:"update_time"`
	Strategies map[string]*StrategyStatus `json:"strategies"`
}

// AlarmMessage is published on the alarm channel when a task needs attention
type AlarmMessage struct {
	StrategyName string    `json:"strategy_name"`
	Code         AlarmCode `json:"code"`
	Msg          string    `json:"msg"`
}

// OrderStatistics summarizes execution quality for one strategy
type OrderStatistics struct {
	StrategyID    string          `json:"strategy_id"`
	OrderCount    int             `json:"order_count"`
	FilledCount   int             `json:"filled_count"`
	CancelCount   int             `json:"cancel_count"`
	RejectCount   int             `json:"reject_count"`
	TotalFilled   decimal.Decimal `json:"total_filled"`
	TotalNotional decimal.Decimal `json:"total_notional"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
}
