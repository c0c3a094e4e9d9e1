package predictor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

type predictRequest struct {
	SnapshotID string    `json:"snapshot_id"`
	Features   []float32 `json:"features"`
	Region     string    `json:"region,omitempty"`
}

// Remote calls an HTTP model service. After five consecutive failures the
// breaker opens and calls fail fast for 30s.
type Remote struct {
	client  *resty.Client
	url     string
	breaker *gobreaker.CircuitBreaker
}

func NewRemote(url string, timeout time.Duration) *Remote {
	return newRemote(url, timeout, 30*time.Second)
}

func newRemote(url string, timeout, openFor time.Duration) *Remote {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "predictor",
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Predictor circuit breaker state changed")
		},
	})

	return &Remote{
		client:  resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
		url:     url,
		breaker: breaker,
	}
}

func (r *Remote) Predict(ctx context.Context, snap *types.ContextSnapshot) (types.Prediction, error) {
	out, err := r.breaker.Execute(func() (interface{}, error) {
		var pred types.Prediction
		resp, err := r.client.R().
			SetContext(ctx).
			SetBody(predictRequest{
				SnapshotID: snap.ID,
				Features:   features(snap),
				Region:     snap.Market.Region,
			}).
			SetResult(&pred).
			Post(r.url)
		if err != nil {
			return nil, fmt.Errorf("predictor request failed: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("predictor returned status: %d", resp.StatusCode())
		}
		return pred, nil
	})
	if err != nil {
		return types.Prediction{}, err
	}
	return out.(types.Prediction), nil
}
