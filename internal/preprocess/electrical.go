package preprocess

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ElectricalVersion 心电预处理版本
const ElectricalVersion = "ecg-bp-v1"

const (
	ecgTargetRate    = 500
	ecgWindowSeconds = 10
	ecgLowCutHz      = 0.5
	ecgHighCutHz     = 40.0
)

// ElectricalWindowSamples 分析窗口长度（样本数）
const ElectricalWindowSamples = ecgTargetRate * ecgWindowSeconds

// SignalStats 滤波后、归一化前的统计量
type SignalStats struct {
	Mean             float64 `json:"mean"`
	Std              float64 `json:"std"`
	Energy           float64 `json:"energy"`
	ZeroCrossingRate float64 `json:"zero_crossing_rate"`
}

// ElectricalWindow 心电管线输出
type ElectricalWindow struct {
	Version       string      `json:"version"`
	SampleRateHz  int         `json:"sample_rate_hz"`
	Samples       []float64   `json:"samples"`
	SourceSamples int         `json:"source_samples"` // 重采样后原始长度（截断/填充前）
	Padded        bool        `json:"padded"`
	Truncated     bool        `json:"truncated"`
	Stats         SignalStats `json:"stats"`
	DurationSec   float64     `json:"duration_sec"`
}

// ElectricalPipeline 解码 -> 重采样到 500 Hz -> 截取最近 10 s / 边缘填充 -> 0.5-40 Hz 带限 -> z-score
func ElectricalPipeline(raw []byte, format string, sampleRate int) (*ElectricalWindow, error) {
	samples, err := DecodePCM(raw, format, 1)
	if err != nil {
		return nil, err
	}
	return ElectricalPipelineFromSamples(samples, sampleRate)
}

// ElectricalPipelineFromSamples 对已解码样本执行心电管线
func ElectricalPipelineFromSamples(samples []float64, sampleRate int) (*ElectricalWindow, error) {
	if len(samples) == 0 {
		return nil, ErrEmptySignal
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	x := Resample(samples, sampleRate, ecgTargetRate)
	out := &ElectricalWindow{
		Version:       ElectricalVersion,
		SampleRateHz:  ecgTargetRate,
		SourceSamples: len(x),
		DurationSec:   float64(len(samples)) / float64(sampleRate),
	}

	window := make([]float64, ElectricalWindowSamples)
	switch {
	case len(x) >= ElectricalWindowSamples:
		copy(window, x[len(x)-ElectricalWindowSamples:])
		out.Truncated = len(x) > ElectricalWindowSamples
	default:
		copy(window, x)
		edge := x[len(x)-1]
		for i := len(x); i < len(window); i++ {
			window[i] = edge
		}
		out.Padded = true
	}

	filtered := bandLimit(window, ecgTargetRate, ecgLowCutHz, ecgHighCutHz)

	mean, std := stat.MeanStdDev(filtered, nil)
	out.Stats = SignalStats{
		Mean:             mean,
		Std:              std,
		Energy:           floats.Dot(filtered, filtered) / float64(len(filtered)),
		ZeroCrossingRate: zeroCrossingRate(filtered),
	}

	if std < 1e-12 || math.IsNaN(std) {
		out.Samples = make([]float64, len(filtered))
		return out, nil
	}
	floats.AddConst(-mean, filtered)
	floats.Scale(1/std, filtered)
	out.Samples = filtered
	return out, nil
}

// bandLimit 频域带通：把 [low, high] 之外的频点置零后逆变换
func bandLimit(x []float64, rate int, low, high float64) []float64 {
	n := len(x)
	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, x)
	for k := range coeffs {
		f := fft.Freq(k) * float64(rate)
		if f < low || f > high {
			coeffs[k] = 0
		}
	}
	out := fft.Sequence(nil, coeffs)
	floats.Scale(1/float64(n), out)
	return out
}
