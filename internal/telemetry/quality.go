package telemetry

import (
	"math"

	"wisefido-cardio/internal/models"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	clipLevel     = 0.99
	flatlineRange = 1e-4
)

// Quality 计算窗口的 RMS、削波比例、直流偏置与平线标记
func Quality(x []float64) models.SignalQuality {
	if len(x) == 0 {
		return models.SignalQuality{Flatline: true}
	}
	var clipped int
	for _, v := range x {
		if math.Abs(v) >= clipLevel {
			clipped++
		}
	}
	return models.SignalQuality{
		RMS:           math.Sqrt(floats.Dot(x, x) / float64(len(x))),
		ClippingRatio: float64(clipped) / float64(len(x)),
		DCOffset:      stat.Mean(x, nil),
		Flatline:      floats.Max(x)-floats.Min(x) < flatlineRange,
	}
}
