// Package store provides crash-safe state persistence using JSON files.
//
// Four documents live in the data directory: orders.json (order results
// by order id), positions.json (positions by market), daily_risk.json and
// market_risk.json. Writes use atomic file replacement (write to .tmp,
// then rename) to prevent corruption from partial writes or crashes
// mid-save. The executor flushes after every order or position mutation,
// the risk guard after every balance or streak change, and the
// orchestrator loads everything on startup.
//
// A corrupt document is logged and treated as empty; the file on disk is
// left untouched until the next save.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"upbit-intraday/pkg/types"
)

const (
	ordersFile     = "orders.json"
	positionsFile  = "positions.json"
	dailyRiskFile  = "daily_risk.json"
	marketRiskFile = "market_risk.json"
)

// Store persists trading state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir, logger: logger.With("component", "store")}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// AppendOrder adds an order result to the order log, keyed by order id.
func (s *Store) AppendOrder(res types.OrderResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := make(map[string]types.OrderResult)
	s.load(ordersFile, &orders)
	orders[res.OrderID] = res
	return s.save(ordersFile, orders)
}

// LoadOrders returns the full order log by order id.
func (s *Store) LoadOrders() (map[string]types.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := make(map[string]types.OrderResult)
	if err := s.load(ordersFile, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// SavePositions atomically persists all positions, open and closed.
func (s *Store) SavePositions(positions map[string]*types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(positionsFile, positions)
}

// LoadPositions restores positions from disk. Returns an empty map when
// no document exists yet.
func (s *Store) LoadPositions() (map[string]*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := make(map[string]*types.Position)
	if err := s.load(positionsFile, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// SaveDailyRisk persists the live daily risk record.
func (s *Store) SaveDailyRisk(d *types.DailyRisk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(dailyRiskFile, d)
}

// LoadDailyRisk restores the daily risk record, nil when absent.
func (s *Store) LoadDailyRisk() (*types.DailyRisk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d *types.DailyRisk
	if err := s.load(dailyRiskFile, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// SaveMarketRisk persists per-market loss streaks and bans.
func (s *Store) SaveMarketRisk(m map[string]*types.MarketRisk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(marketRiskFile, m)
}

// LoadMarketRisk restores per-market risk records.
func (s *Store) LoadMarketRisk() (map[string]*types.MarketRisk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := make(map[string]*types.MarketRisk)
	if err := s.load(marketRiskFile, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// save atomically replaces a document: write to .tmp, then rename over
// the target so the file is never left in a partial state.
func (s *Store) save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// load reads a document into v. A missing file leaves v untouched; a
// corrupt file is logged and leaves v untouched too.
func (s *Store) load(name string, v any) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Error("corrupt state document, starting empty", "file", name, "error", err)
		return nil
	}
	return nil
}
