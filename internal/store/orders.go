// Package store persists task order state across engine restarts
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"execution_engine/internal/core"
)

// orderSnapshot is the on-disk shape of a task's order maps
type orderSnapshot struct {
	PendingOrders  map[string]*core.Order `json:"pending_orders"`
	ActiveOrders   map[string]*core.Order `json:"active_orders"`
	FinishedOrders map[string]*core.Order `json:"finished_orders"`
}

// OrderCache writes each task's orders to a JSON file so a restarted engine
// can pick the task back up
type OrderCache struct {
	dir    string
	logger core.ILogger
}

// NewOrderCache creates a cache rooted at dir, creating it if needed
func NewOrderCache(dir string, logger core.ILogger) (*OrderCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create order dir: %w", err)
	}
	return &OrderCache{
		dir:    dir,
		logger: logger.WithField("component", "order_cache"),
	}, nil
}

func (c *OrderCache) path(taskID string) string {
	return filepath.Join(c.dir, taskID+".json")
}

// Save writes the task's order maps to disk, replacing any previous snapshot
func (c *OrderCache) Save(taskID string, pending, active, finished map[string]*core.Order) error {
	snap := orderSnapshot{
		PendingOrders:  pending,
		ActiveOrders:   active,
		FinishedOrders: finished,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal order snapshot: %w", err)
	}

	tmp := c.path(taskID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write order snapshot: %w", err)
	}
	if err := os.Rename(tmp, c.path(taskID)); err != nil {
		return fmt.Errorf("replace order snapshot: %w", err)
	}
	return nil
}

// Load reads a task's snapshot and deletes the file. The snapshot is consumed
// exactly once: a crash after load simply restarts the task without it.
func (c *OrderCache) Load(taskID string) (pending, active, finished map[string]*core.Order, err error) {
	data, err := os.ReadFile(c.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, fmt.Errorf("read order snapshot: %w", err)
	}

	var snap orderSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil, nil, fmt.Errorf("unmarshal order snapshot: %w", err)
	}

	if err := os.Remove(c.path(taskID)); err != nil {
		c.logger.Warn("Failed to remove consumed order snapshot", "task_id", taskID, "error", err)
	}
	return snap.PendingOrders, snap.ActiveOrders, snap.FinishedOrders, nil
}

// Peek reads a task's snapshot without consuming it. Used by the order
// side-service to answer queries about tasks whose coordinator has exited.
func (c *OrderCache) Peek(taskID string) (pending, active, finished map[string]*core.Order, err error) {
	data, err := os.ReadFile(c.path(taskID))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read order snapshot: %w", err)
	}
	var snap orderSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil, nil, fmt.Errorf("unmarshal order snapshot: %w", err)
	}
	return snap.PendingOrders, snap.ActiveOrders, snap.FinishedOrders, nil
}

// Exists reports whether a snapshot is present for the task
func (c *OrderCache) Exists(taskID string) bool {
	_, err := os.Stat(c.path(taskID))
	return err == nil
}
