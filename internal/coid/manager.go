// Package coid owns the client-order-id store: deterministic, idempotent
// COID minting, status tracking, and exchange reconciliation on startup.
package coid

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"tradingcore/internal/core"
	"tradingcore/pkg/logging"
)

// Manager owns the mapping client_order_id -> COIDEntry, backed by a
// single JSON file written atomically (write-temp-then-rename).
type Manager struct {
	storePath string
	mu        sync.RWMutex
	entries   map[string]*core.COIDEntry
}

// NewManager loads (or creates) the COID store at storePath.
func NewManager(storePath string) (*Manager, error) {
	m := &Manager{
		storePath: storePath,
		entries:   make(map[string]*core.COIDEntry),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// NextClientOrderID is the only legal way to obtain a COID. If a
// non-terminal entry already exists for (decisionID, legIdx, side), its
// COID is returned and attempt_count incremented — this is what makes a
// retry of the same logical order idempotent across process restarts.
func (m *Manager) NextClientOrderID(decisionID string, legIdx int, side core.Side, symbol string, forceNew bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !forceNew {
		if existing := m.findPending(decisionID, legIdx, side); existing != nil {
			existing.AttemptCount++
			existing.UpdatedTS = nowMillis()
			if err := m.save(); err != nil {
				return "", err
			}
			logging.Info("reusing existing coid", "coid", existing.ClientOrderID, "attempt", existing.AttemptCount)
			return existing.ClientOrderID, nil
		}
	}

	ts := nowMillis()
	coidStr := fmt.Sprintf("%s_%d_%s_%d", decisionID, legIdx, side, ts)

	entry := &core.COIDEntry{
		ClientOrderID: coidStr,
		DecisionID:    decisionID,
		LegIdx:        legIdx,
		Side:          side,
		Symbol:        symbol,
		Status:        core.COIDPending,
		CreatedTS:     ts,
		UpdatedTS:     ts,
		AttemptCount:  1,
	}
	m.entries[coidStr] = entry

	if err := m.save(); err != nil {
		return "", err
	}
	logging.Info("generated new coid", "coid", coidStr, "symbol", symbol, "side", side)
	return coidStr, nil
}

// UpdateStatus updates an entry's status/order_id/metadata and persists.
// Idempotent for equal transitions.
func (m *Manager) UpdateStatus(coidStr string, status core.COIDStatus, orderID string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[coidStr]
	if !ok {
		return fmt.Errorf("coid: update_status: unknown coid %q", coidStr)
	}

	entry.Status = status
	entry.UpdatedTS = nowMillis()
	if orderID != "" {
		entry.OrderID = orderID
	}
	if len(metadata) > 0 {
		if entry.Metadata == nil {
			entry.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			entry.Metadata[k] = v
		}
	}

	return m.save()
}

// GetEntry returns the entry for coidStr, or nil if unknown.
func (m *Manager) GetEntry(coidStr string) *core.COIDEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[coidStr]
}

// ListPending returns the non-terminal entries tracked for symbol, used
// by the reconciler's ghost-order sweep to tell a known in-flight order
// apart from one the system has no record of placing.
func (m *Manager) ListPending(symbol string) []*core.COIDEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.COIDEntry
	for _, e := range m.entries {
		if e.Symbol == symbol && !e.Status.IsTerminal() {
			out = append(out, e)
		}
	}
	return out
}

// ExchangeLookup is the subset of core.ExchangeWrapper the reconciliation
// pass needs.
type ExchangeLookup interface {
	FetchOrder(ctx context.Context, symbol, orderID string) (*core.ExchangeOrder, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error)
}

// ReconcileWithExchange queries the exchange for every PENDING entry and
// updates its status. Must run once at startup before any new intent is
// accepted, so a crash mid-retry never produces a duplicate order.
func (m *Manager) ReconcileWithExchange(ctx context.Context, exchange ExchangeLookup, symbols []string) (int, error) {
	m.mu.Lock()
	pending := make([]*core.COIDEntry, 0)
	for _, e := range m.entries {
		if e.Status == core.COIDPending {
			pending = append(pending, e)
		}
	}
	m.mu.Unlock()

	if len(pending) == 0 {
		logging.Info("no pending coids to reconcile")
		return 0, nil
	}

	allowed := toSet(symbols)
	reconciled := 0

	for _, entry := range pending {
		if allowed != nil && !allowed[entry.Symbol] {
			continue
		}

		var order *core.ExchangeOrder
		if entry.OrderID != "" {
			o, err := exchange.FetchOrder(ctx, entry.Symbol, entry.OrderID)
			if err != nil {
				logging.Error("failed to reconcile coid", "coid", entry.ClientOrderID, "error", err)
				continue
			}
			order = o
		} else {
			open, err := exchange.FetchOpenOrders(ctx, entry.Symbol)
			if err != nil {
				logging.Error("failed to reconcile coid", "coid", entry.ClientOrderID, "error", err)
				continue
			}
			for i := range open {
				if open[i].ClientOrderID == entry.ClientOrderID {
					order = &open[i]
					break
				}
			}
		}

		if order != nil {
			newStatus := mapExchangeStatus(order.Status)
			if err := m.UpdateStatus(entry.ClientOrderID, newStatus, order.OrderID, map[string]any{
				"reconciled_at": time.Now().Unix(),
			}); err != nil {
				return reconciled, err
			}
			reconciled++
		} else {
			if err := m.UpdateStatus(entry.ClientOrderID, core.COIDExpired, "", map[string]any{
				"reconciled_at": time.Now().Unix(), "reason": "not_found",
			}); err != nil {
				return reconciled, err
			}
			reconciled++
			logging.Warn("coid not found on exchange, marked expired", "coid", entry.ClientOrderID)
		}
	}

	logging.Info("coid reconciliation complete", "reconciled", reconciled)
	return reconciled, nil
}

// CleanupOldEntries removes terminal entries older than maxAgeDays.
func (m *Manager) CleanupOldEntries(maxAgeDays int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour).UnixMilli()
	removed := 0
	for coidStr, entry := range m.entries {
		if entry.Status.IsTerminal() && entry.UpdatedTS < cutoff {
			delete(m.entries, coidStr)
			removed++
		}
	}
	if removed > 0 {
		if err := m.save(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (m *Manager) findPending(decisionID string, legIdx int, side core.Side) *core.COIDEntry {
	for _, e := range m.entries {
		if e.DecisionID == decisionID && e.LegIdx == legIdx && e.Side == side && !e.Status.IsTerminal() {
			return e
		}
	}
	return nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("coid: read store: %w", err)
	}

	var raw map[string]*core.COIDEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("coid: unmarshal store: %w", err)
	}
	m.entries = raw
	return nil
}

// save persists the store atomically (write-temp-then-rename), matching
// the snapshot write idiom used throughout this module.
func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("coid: marshal store: %w", err)
	}

	tmp := m.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("coid: write temp store: %w", err)
	}
	if err := os.Rename(tmp, m.storePath); err != nil {
		return fmt.Errorf("coid: rename store into place: %w", err)
	}
	return nil
}

func mapExchangeStatus(status core.OrderStatus) core.COIDStatus {
	switch status {
	case core.OrderClosed:
		return core.COIDFilled
	case core.OrderCanceled:
		return core.COIDCanceled
	case core.OrderRejected:
		return core.COIDRejected
	case core.OrderExpired:
		return core.COIDExpired
	case core.OrderOpen:
		return core.COIDPending
	default:
		return core.COIDUnknown
	}
}

func toSet(symbols []string) map[string]bool {
	if len(symbols) == 0 {
		return nil
	}
	s := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		s[sym] = true
	}
	return s
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
