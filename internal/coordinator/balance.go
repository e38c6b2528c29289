package coordinator

import (
	"encoding/json"

	"execution_engine/internal/balance"
	"execution_engine/internal/core"
)

// onBalanceMessage is the bus handler for pushed account balance snapshots
func (m *StrategyMaster) onBalanceMessage(message []byte) {
	var push core.BalancePush
	if err := json.Unmarshal(message, &push); err != nil {
		m.logger.Error("Malformed balance push", "error", err)
		return
	}
	m.Enqueue(func() { m.processBalancePush(&push) })
}

// processBalancePush replaces the snapshot ledger for the pushed account.
// The spot_balance object carries bookkeeping keys next to the currency
// records, and a false result means the gateway could not read the account.
func (m *StrategyMaster) processBalancePush(push *core.BalancePush) {
	if !m.tradesAccount(push.Exchange, push.AccountID) {
		return
	}
	spot := push.GlobalBalances.SpotBalance
	if spot == nil {
		return
	}
	if raw, ok := spot["result"]; ok {
		var result bool
		if err := json.Unmarshal(raw, &result); err == nil && !result {
			m.logger.Warn("Balance push reported failure",
				"exchange", push.Exchange, "account", push.AccountID)
			return
		}
	}

	records := make(map[string]core.BalanceRecord, len(spot))
	for currency, raw := range spot {
		switch currency {
		case "result", "account_id", "timestamp", "error_code", "error_code_msg":
			continue
		}
		var rec core.BalanceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			m.logger.Warn("Unreadable balance record", "currency", currency, "error", err)
			continue
		}
		records[currency] = rec
	}
	m.pushLedger(push.Exchange, push.AccountID).LoadSnapshot(records)
}

// pushLedger returns the snapshot-fed ledger for an exchange/account pair,
// creating an empty one on first touch
func (m *StrategyMaster) pushLedger(exchange, account string) *balance.Ledger {
	key := exchange + "|" + account
	l, ok := m.pushLedgers[key]
	if !ok {
		l = balance.NewPendingLedger()
		m.pushLedgers[key] = l
	}
	return l
}

func (m *StrategyMaster) tradesAccount(exchange, account string) bool {
	for _, s := range m.strategies {
		st := s.Task()
		if st.Exchange == exchange && st.Account == account {
			return true
		}
	}
	return false
}
