// Package predictor provides the prediction collaborators used by ai_driven
// and hybrid strategies.
package predictor

import (
	"time"

	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/rules"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
)

// featureCount is the width of the model input vector built by features.
const featureCount = 7

// features flattens the snapshot into the model input layout.
func features(snap *types.ContextSnapshot) []float32 {
	return []float32{
		float32(snap.Market.Price),
		float32(snap.Market.Volume),
		float32(snap.Market.ForecastPrice),
		float32(snap.Resources.AvailableCapacity),
		float32(snap.Resources.TotalCapacity),
		float32(snap.Resources.StateOfCharge),
		float32(snap.Timestamp.UTC().Hour()),
	}
}

// New picks a predictor: a local ONNX model when modelPath is set, else a
// remote model when url is set. It returns nil when neither is configured or
// the local model cannot be loaded, which the rule engine treats as absent.
func New(modelPath, url string, timeout time.Duration) rules.Predictor {
	if modelPath != "" {
		model, err := NewONNX(modelPath)
		if err == nil {
			return model
		}
		log.Warn().Err(err).Str("model", modelPath).Msg("ONNX model unavailable")
	}
	if url != "" {
		return NewRemote(url, timeout)
	}
	return nil
}
