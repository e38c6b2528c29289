package strategy

import (
	"fmt"
	"time"

	"execution_engine/internal/core"
	apperrors "execution_engine/pkg/errors"
)

// New validates a strategy task and constructs the algorithm it names.
// Coin configs are resolved from the parent task's per-venue table.
func New(task *core.StrategyTask, parent *core.Task, env Env, vwapExchanges []string) (core.IStrategy, error) {
	if err := Validate(task, parent, vwapExchanges); err != nil {
		return nil, err
	}

	sym, _ := core.SymbolFromList(task.Symbol)
	coinCfg, ok := parent.CoinConfigFor(task.Exchange, sym.Name)
	if !ok {
		return nil, fmt.Errorf("%w: no coin config for %s on %s", apperrors.ErrInvalidTask, sym.Name, task.Exchange)
	}

	switch task.Algorithm {
	case core.AlgoTWAP:
		return NewTWAP(task, coinCfg, env)
	case core.AlgoVWAP:
		return NewVWAP(task, coinCfg, env)
	case core.AlgoIceberg:
		return NewIceberg(task, coinCfg, env)
	case core.AlgoTriangleTWAP:
		medianCfg, anchorCfg, err := legConfigs(task, parent)
		if err != nil {
			return nil, err
		}
		return NewTriangleTWAP(task, coinCfg, medianCfg, anchorCfg, env)
	case core.AlgoTriangleIceberg:
		medianCfg, anchorCfg, err := legConfigs(task, parent)
		if err != nil {
			return nil, err
		}
		return NewTriangleIceberg(task, coinCfg, medianCfg, anchorCfg, env)
	}
	return nil, fmt.Errorf("%w: unknown algorithm %q", apperrors.ErrInvalidTask, task.Algorithm)
}

func legConfigs(task *core.StrategyTask, parent *core.Task) (core.CoinConfig, core.CoinConfig, error) {
	var zero core.CoinConfig
	medianCfg, ok := parent.CoinConfigFor(task.Exchange, task.Median[0])
	if !ok {
		return zero, zero, fmt.Errorf("%w: no coin config for median leg %s", apperrors.ErrInvalidTask, task.Median[0])
	}
	anchorCfg, ok := parent.CoinConfigFor(task.Exchange, task.Anchor[0])
	if !ok {
		return zero, zero, fmt.Errorf("%w: no coin config for anchor leg %s", apperrors.ErrInvalidTask, task.Anchor[0])
	}
	return medianCfg, anchorCfg, nil
}

// Validate rejects a strategy task the engine could not run safely
func Validate(task *core.StrategyTask, parent *core.Task, vwapExchanges []string) error {
	if task.StrategyID == "" {
		return fmt.Errorf("%w: missing strategy_id", apperrors.ErrInvalidTask)
	}
	if task.Exchange == "" {
		return fmt.Errorf("%w: %s missing exchange", apperrors.ErrInvalidTask, task.StrategyID)
	}
	if _, ok := core.SymbolFromList(task.Symbol); !ok {
		return fmt.Errorf("%w: %s symbol must be [name, base, quote]", apperrors.ErrInvalidTask, task.StrategyID)
	}
	if task.Direction != core.Buy && task.Direction != core.Sell {
		return fmt.Errorf("%w: %s direction %q", apperrors.ErrInvalidTask, task.StrategyID, task.Direction)
	}
	if task.CurrencyType != core.CurrencyBase && task.CurrencyType != core.CurrencyQuote {
		return fmt.Errorf("%w: %s currency_type %q", apperrors.ErrInvalidTask, task.StrategyID, task.CurrencyType)
	}
	if !task.TotalSize.IsPositive() {
		return fmt.Errorf("%w: %s total_size must be positive", apperrors.ErrInvalidTask, task.StrategyID)
	}

	startTime, endTime, err := parseWindow(task)
	if err != nil {
		return err
	}

	switch task.Algorithm {
	case core.AlgoTWAP:
		if startTime.IsZero() || endTime.IsZero() {
			return fmt.Errorf("%w: %s needs a start and end time", apperrors.ErrInvalidTask, task.StrategyID)
		}
	case core.AlgoVWAP:
		if !supportedVenue(task.Exchange, vwapExchanges) {
			return fmt.Errorf("%w: %s exchange %s has no usable kline feed", apperrors.ErrInvalidTask, task.StrategyID, task.Exchange)
		}
		if task.TimeBased {
			if !task.AvgVolRef.IsPositive() || endTime.IsZero() {
				return fmt.Errorf("%w: %s time-based pacing needs avg_vol_ref and an end time", apperrors.ErrInvalidTask, task.StrategyID)
			}
		} else if !task.FillRatio.IsPositive() {
			return fmt.Errorf("%w: %s participation pacing needs fill_ratio", apperrors.ErrInvalidTask, task.StrategyID)
		}
	case core.AlgoIceberg:
		// No extra requirements; volume filter zero means top of book
	case core.AlgoTriangleTWAP, core.AlgoTriangleIceberg:
		if _, ok := core.SymbolFromList(task.Median); !ok {
			return fmt.Errorf("%w: %s median must be [name, base, quote]", apperrors.ErrInvalidTask, task.StrategyID)
		}
		if _, ok := core.SymbolFromList(task.Anchor); !ok {
			return fmt.Errorf("%w: %s anchor must be [name, base, quote]", apperrors.ErrInvalidTask, task.StrategyID)
		}
		if task.Algorithm == core.AlgoTriangleTWAP && (startTime.IsZero() || endTime.IsZero()) {
			return fmt.Errorf("%w: %s needs a start and end time", apperrors.ErrInvalidTask, task.StrategyID)
		}
	default:
		return fmt.Errorf("%w: %s unknown algorithm %q", apperrors.ErrInvalidTask, task.StrategyID, task.Algorithm)
	}
	return nil
}

func parseWindow(task *core.StrategyTask) (time.Time, time.Time, error) {
	var startTime, endTime time.Time
	var err error
	if task.StartTime != "" {
		startTime, err = time.ParseInLocation(TimeLayout, task.StartTime, time.Local)
		if err != nil {
			return startTime, endTime, fmt.Errorf("%w: %s start_time %q", apperrors.ErrInvalidTask, task.StrategyID, task.StartTime)
		}
	}
	if task.EndTime != "" {
		endTime, err = time.ParseInLocation(TimeLayout, task.EndTime, time.Local)
		if err != nil {
			return startTime, endTime, fmt.Errorf("%w: %s end_time %q", apperrors.ErrInvalidTask, task.StrategyID, task.EndTime)
		}
	}
	if !startTime.IsZero() && !endTime.IsZero() && !endTime.After(startTime) {
		return startTime, endTime, fmt.Errorf("%w: %s end_time must be after start_time", apperrors.ErrInvalidTask, task.StrategyID)
	}
	return startTime, endTime, nil
}

func supportedVenue(exchange string, venues []string) bool {
	for _, v := range venues {
		if v == exchange {
			return true
		}
	}
	return false
}
