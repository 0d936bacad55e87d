package inference

import (
	"wisefido-cardio/internal/models"
)

// SeverityStage 杂音分级阶段的状态（显式状态而非可空字段）
type SeverityStage string

const (
	// SeverityNotApplicable 主分类完成但标签不是 abnormal
	SeverityNotApplicable SeverityStage = "not_applicable"
	// SeverityCompleted 已运行并产出分级
	SeverityCompleted SeverityStage = "completed"
	// SeverityFailed 已触发但模型报错或 panic
	SeverityFailed SeverityStage = "failed"
	// SeveritySkipped 主分类没有产出标签（无心音、数据不足或主分类失败）
	SeveritySkipped SeverityStage = "skipped"
)

// PrimaryResult 心音主分类结果
type PrimaryResult struct {
	Prediction     models.Prediction
	Classification *Classification // 仅 completed 时非空
}

// SeverityResult 杂音分级结果
type SeverityResult struct {
	Stage      SeverityStage
	Prediction *models.Prediction     // completed / failed 时非空
	Severity   *models.MurmurSeverity // 仅 completed 时非空
	Error      string
}

// ElectricalResult 心电分类结果
type ElectricalResult struct {
	Prediction     models.Prediction
	Classification *Classification
}

// Outcome 一次 finalize 的推理产物；某模态未开始时对应字段为 nil
type Outcome struct {
	Primary    *PrimaryResult
	Severity   SeverityResult
	Electrical *ElectricalResult
}

// Predictions 需要落库的预测行
func (o *Outcome) Predictions() []models.Prediction {
	var out []models.Prediction
	if o.Primary != nil {
		out = append(out, o.Primary.Prediction)
	}
	if o.Severity.Prediction != nil {
		out = append(out, *o.Severity.Prediction)
	}
	if o.Electrical != nil {
		out = append(out, o.Electrical.Prediction)
	}
	return out
}

// Severities 需要落库的分级行（仅 completed）
func (o *Outcome) Severities() []models.MurmurSeverity {
	if o.Severity.Stage != SeverityCompleted || o.Severity.Severity == nil {
		return nil
	}
	return []models.MurmurSeverity{*o.Severity.Severity}
}
