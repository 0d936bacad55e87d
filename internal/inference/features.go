package inference

import (
	"math"

	"wisefido-cardio/internal/preprocess"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	peakThreshold  = 1.5  // z-score
	peakRefractory = 0.25 // 秒
)

// ElectricalFeatureNames 心电窗口派生特征（线性/HTTP 模型输入）
func ElectricalFeatureNames() []string {
	return []string{"std", "energy", "zero_crossing_rate", "skewness", "kurtosis", "peak_rate_bpm", "peak_amplitude", "source_duration_sec"}
}

// ElectricalFeatures 由预处理窗口计算派生特征
func ElectricalFeatures(w *preprocess.ElectricalWindow) []float64 {
	x := w.Samples
	var skew, kurt float64
	if w.Stats.Std > 0 && len(x) > 3 {
		skew = stat.Skew(x, nil)
		kurt = stat.ExKurtosis(x, nil)
	}
	rate, amp := peakRate(w)
	source := float64(w.SourceSamples) / float64(w.SampleRateHz)
	return []float64{w.Stats.Std, w.Stats.Energy, w.Stats.ZeroCrossingRate, skew, kurt, rate, amp, source}
}

// peakRate 按不应期计数的 R 峰近似，返回每分钟峰数与峰值均值
func peakRate(w *preprocess.ElectricalWindow) (float64, float64) {
	x := w.Samples
	if len(x) < 3 || w.Stats.Std == 0 {
		return 0, 0
	}
	valid := len(x)
	if w.Padded && w.SourceSamples < valid {
		// 填充部分不参与计数
		valid = w.SourceSamples
	}
	refractory := int(peakRefractory * float64(w.SampleRateHz))

	var peaks []float64
	last := -refractory
	for i := 1; i < valid-1; i++ {
		if x[i] > peakThreshold && x[i] >= x[i-1] && x[i] > x[i+1] && i-last >= refractory {
			peaks = append(peaks, x[i])
			last = i
		}
	}
	if len(peaks) == 0 {
		return 0, 0
	}
	seconds := float64(valid) / float64(w.SampleRateHz)
	return float64(len(peaks)) / seconds * 60, floats.Sum(peaks) / float64(len(peaks))
}

// softmax 数值稳定的 softmax
func softmax(z []float64) []float64 {
	out := make([]float64, len(z))
	if len(z) == 0 {
		return out
	}
	hi := floats.Max(z)
	for i, v := range z {
		out[i] = math.Exp(v - hi)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

// toClassification 概率向量 -> 分类结果（并列时取第一个）
func toClassification(labels []string, probs []float64) *Classification {
	c := &Classification{Probabilities: make(map[string]float64, len(labels))}
	best := floats.MaxIdx(probs)
	for i, l := range labels {
		c.Probabilities[l] = probs[i]
	}
	c.Label = labels[best]
	c.Confidence = probs[best]
	return c
}
