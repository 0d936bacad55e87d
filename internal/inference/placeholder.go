package inference

import (
	"context"
	"math"

	"wisefido-cardio/internal/models"
	"wisefido-cardio/internal/preprocess"
)

const placeholderVersion = "placeholder-v1"

// 占位模型：由输入信号的简单统计量推导标签，不含随机性，输出全部带 placeholder 标记

type placeholderHeartSound struct {
	reason string
}

// NewPlaceholderHeartSound 心音主分类占位模型
func NewPlaceholderHeartSound(reason string) HeartSoundClassifier {
	return &placeholderHeartSound{reason: reason}
}

func (p *placeholderHeartSound) Info() ModelInfo {
	return ModelInfo{Name: "placeholder-heart-sound-classifier", Version: placeholderVersion, Kind: "placeholder", Placeholder: true, Reason: p.reason}
}

// Classify 静音或类噪声判为 artifact；谱质心偏高或能量包络平坦（心音之间持续有声）判为 abnormal
func (p *placeholderHeartSound) Classify(_ context.Context, f *preprocess.FeatureVector) (*Classification, error) {
	rms := feature(f, "rms_mean")
	rmsStd := feature(f, "rms_std")
	flatness := feature(f, "flatness_mean")
	centroid := feature(f, "centroid_mean")

	variability := rmsStd / (rms + 1e-9)

	sArtifact := 4 * (flatness - 0.5)
	if rms < 1e-3 {
		sArtifact += 10
	}
	sAbnormal := (centroid-250)/50 + 4*(0.35-variability)
	sNormal := 0.0

	probs := softmax([]float64{sNormal, sAbnormal, sArtifact})
	return toClassification(PrimaryLabels, probs), nil
}

type placeholderSeverity struct {
	reason string
}

// NewPlaceholderSeverity 杂音分级占位模型
func NewPlaceholderSeverity(reason string) SeverityGrader {
	return &placeholderSeverity{reason: reason}
}

func (p *placeholderSeverity) Info() ModelInfo {
	return ModelInfo{Name: "placeholder-murmur-severity", Version: placeholderVersion, Kind: "placeholder", Placeholder: true, Reason: p.reason}
}

// 每个分类头由一个统计量分桶得到
var placeholderSeverityRules = map[string]struct {
	feature    string
	thresholds []float64
}{
	"location": {"centroid_mean", []float64{150, 250, 350}},
	"timing":   {"rms_std", []float64{0.02, 0.05, 0.1}},
	"shape":    {"zcr_std", []float64{0.01, 0.03, 0.06}},
	"grading":  {"rms_mean", []float64{0.05, 0.2}},
	"pitch":    {"centroid_mean", []float64{150, 300}},
	"quality":  {"flatness_mean", []float64{0.1, 0.3}},
}

func (p *placeholderSeverity) Grade(_ context.Context, f *preprocess.FeatureVector) (*SeverityGrades, error) {
	g := &SeverityGrades{}
	for _, head := range SeverityHeads {
		rule := placeholderSeverityRules[head.Name]
		idx := bucket(feature(f, rule.feature), rule.thresholds)
		g.set(head.Name, peaked(head.Classes, idx))
	}
	return g, nil
}

type placeholderElectrical struct {
	reason string
}

// NewPlaceholderElectrical 心电分类占位模型
func NewPlaceholderElectrical(reason string) ElectricalClassifier {
	return &placeholderElectrical{reason: reason}
}

func (p *placeholderElectrical) Info() ModelInfo {
	return ModelInfo{Name: "placeholder-electrical-classifier", Version: placeholderVersion, Kind: "placeholder", Placeholder: true, Reason: p.reason}
}

// Classify 平直/导联脱落或过零率过高判为 noisy；峰率超出 50-110 bpm 判为 abnormal
func (p *placeholderElectrical) Classify(_ context.Context, w *preprocess.ElectricalWindow) (*Classification, error) {
	bpm, _ := peakRate(w)

	sNoisy := 0.0
	if w.Stats.Std < 1e-4 {
		sNoisy += 10
	}
	sNoisy += (w.Stats.ZeroCrossingRate - 0.3) * 20

	sAbnormal := 0.0
	switch {
	case bpm == 0:
		sAbnormal = 1
	case bpm < 50:
		sAbnormal = (50 - bpm) / 10
	case bpm > 110:
		sAbnormal = (bpm - 110) / 10
	default:
		sAbnormal = -1
	}

	probs := softmax([]float64{0, sAbnormal, sNoisy})
	return toClassification(ElectricalLabels, probs), nil
}

func feature(f *preprocess.FeatureVector, name string) float64 {
	v, ok := f.Get(name)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// bucket 返回 v 落入的区间序号（thresholds 升序）
func bucket(v float64, thresholds []float64) int {
	for i, t := range thresholds {
		if v < t {
			return i
		}
	}
	return len(thresholds)
}

// peaked 选中类 0.7，其余均分
func peaked(classes []string, idx int) models.ClassResult {
	r := models.ClassResult{Class: classes[idx], Probabilities: make(map[string]float64, len(classes))}
	rest := 0.3 / float64(len(classes)-1)
	for i, c := range classes {
		if i == idx {
			r.Probabilities[c] = 0.7
		} else {
			r.Probabilities[c] = rest
		}
	}
	return r
}
