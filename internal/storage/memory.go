package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
)

// MemoryStorage keeps everything in process. It backs the backtest CLI and tests.
type MemoryStorage struct {
	mu         sync.RWMutex
	strategies map[string]types.Strategy
	records    map[string]types.ExecutionRecord
	order      []string
	reports    map[string]types.BacktestReport
}

func NewMemory(strategies ...types.Strategy) *MemoryStorage {
	m := &MemoryStorage{
		strategies: make(map[string]types.Strategy),
		records:    make(map[string]types.ExecutionRecord),
		reports:    make(map[string]types.BacktestReport),
	}
	for _, s := range strategies {
		m.strategies[s.ID] = cloneStrategy(s)
	}
	return m
}

func (m *MemoryStorage) Get(_ context.Context, id string) (*types.Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.strategies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrStrategyNotFound, id)
	}
	c := cloneStrategy(s)
	return &c, nil
}

func (m *MemoryStorage) Update(_ context.Context, strategy *types.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[strategy.ID] = cloneStrategy(*strategy)
	return nil
}

func (m *MemoryStorage) ListActive(_ context.Context) ([]types.Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.Strategy
	for _, s := range m.strategies {
		if s.Status == types.StatusActive {
			out = append(out, cloneStrategy(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Append stores the first record seen for a task id.
func (m *MemoryStorage) Append(_ context.Context, rec types.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.TaskID]; ok {
		return nil
	}
	m.records[rec.TaskID] = rec
	m.order = append(m.order, rec.TaskID)
	return nil
}

// Records returns the execution log in append order.
func (m *MemoryStorage) Records() []types.ExecutionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.ExecutionRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id])
	}
	return out
}

func (m *MemoryStorage) SaveReport(_ context.Context, id string, report *types.BacktestReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[id]; !ok {
		m.reports[id] = *report
	}
	return nil
}

func (m *MemoryStorage) GetReport(_ context.Context, id string) (*types.BacktestReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reports[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}
	return &r, nil
}

func cloneStrategy(s types.Strategy) types.Strategy {
	s.Rules = slices.Clone(s.Rules)
	for i := range s.Rules {
		s.Rules[i].Conditions = slices.Clone(s.Rules[i].Conditions)
		s.Rules[i].Actions = slices.Clone(s.Rules[i].Actions)
	}
	return s
}
