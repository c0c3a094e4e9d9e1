package storage

import (
	"context"
	"errors"

	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
)

var ErrReportNotFound = errors.New("backtest report not found")

// StrategyStore is the persistent store of strategy definitions
type StrategyStore interface {
	Get(ctx context.Context, id string) (*types.Strategy, error)
	Update(ctx context.Context, strategy *types.Strategy) error
	ListActive(ctx context.Context) ([]types.Strategy, error)
}

// ReportStore keeps finished backtest reports
type ReportStore interface {
	SaveReport(ctx context.Context, id string, report *types.BacktestReport) error
	GetReport(ctx context.Context, id string) (*types.BacktestReport, error)
}
