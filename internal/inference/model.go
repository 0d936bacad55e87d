package inference

import (
	"context"
	"errors"

	"wisefido-cardio/internal/models"
	"wisefido-cardio/internal/preprocess"
)

var (
	// ErrModelUnavailable 模型无法加载
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrInvalidArtifact 模型清单或权重非法
	ErrInvalidArtifact = errors.New("invalid model artifact")
	// ErrModelPanic 模型调用 panic
	ErrModelPanic = errors.New("model invocation panicked")
)

// 主分类标签
const (
	LabelNormal   = "normal"
	LabelAbnormal = "abnormal"
	LabelArtifact = "artifact"
)

// 心电分类标签
const (
	ECGLabelNormal   = "normal"
	ECGLabelAbnormal = "abnormal"
	ECGLabelNoisy    = "noisy"
)

var (
	PrimaryLabels    = []string{LabelNormal, LabelAbnormal, LabelArtifact}
	ElectricalLabels = []string{ECGLabelNormal, ECGLabelAbnormal, ECGLabelNoisy}
)

// SeverityHead 杂音分级的一个分类头
type SeverityHead struct {
	Name    string
	Classes []string
}

// SeverityHeads 六个分类头（顺序固定）
var SeverityHeads = []SeverityHead{
	{Name: "location", Classes: []string{"Apex", "Aortic", "Pulmonary", "Tricuspid"}},
	{Name: "timing", Classes: []string{"Early-systolic", "Mid-systolic", "Late-systolic", "Holosystolic"}},
	{Name: "shape", Classes: []string{"Crescendo", "Decrescendo", "Diamond", "Plateau"}},
	{Name: "grading", Classes: []string{"I/VI", "II/VI", "III/VI"}},
	{Name: "pitch", Classes: []string{"Low", "Medium", "High"}},
	{Name: "quality", Classes: []string{"Blowing", "Harsh", "Musical"}},
}

// ModelInfo 模型身份；Placeholder 为 true 时输出来自统计规则而非训练模型
type ModelInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Kind        string `json:"kind"`
	Placeholder bool   `json:"placeholder"`
	Reason      string `json:"reason,omitempty"` // 使用 placeholder 的原因
}

// Classification 分类结果
type Classification struct {
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// SeverityGrades 六头分级结果
type SeverityGrades struct {
	Location models.ClassResult `json:"location"`
	Timing   models.ClassResult `json:"timing"`
	Shape    models.ClassResult `json:"shape"`
	Grading  models.ClassResult `json:"grading"`
	Pitch    models.ClassResult `json:"pitch"`
	Quality  models.ClassResult `json:"quality"`
}

func (g *SeverityGrades) set(head string, r models.ClassResult) {
	switch head {
	case "location":
		g.Location = r
	case "timing":
		g.Timing = r
	case "shape":
		g.Shape = r
	case "grading":
		g.Grading = r
	case "pitch":
		g.Pitch = r
	case "quality":
		g.Quality = r
	}
}

// HeartSoundClassifier 主分类器：normal / abnormal / artifact
type HeartSoundClassifier interface {
	Info() ModelInfo
	Classify(ctx context.Context, features *preprocess.FeatureVector) (*Classification, error)
}

// SeverityGrader 杂音六头分级，只在主分类为 abnormal 时调用
type SeverityGrader interface {
	Info() ModelInfo
	Grade(ctx context.Context, features *preprocess.FeatureVector) (*SeverityGrades, error)
}

// ElectricalClassifier 心电分类器
type ElectricalClassifier interface {
	Info() ModelInfo
	Classify(ctx context.Context, window *preprocess.ElectricalWindow) (*Classification, error)
}
