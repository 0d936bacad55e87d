package models

import (
	"encoding/json"
	"time"
)

// PredictionStatus 预测记录状态
type PredictionStatus string

const (
	PredictionCompleted        PredictionStatus = "completed"
	PredictionError            PredictionStatus = "error"
	PredictionInsufficientData PredictionStatus = "insufficient_data"
)

// Prediction 某个模型对某个会话的一次输出（追加写）
type Prediction struct {
	PredictionID      string           `json:"prediction_id"`
	Key               SessionKey       `json:"key"`
	Modality          Modality         `json:"modality"`
	ModelName         string           `json:"model_name"`
	ModelVersion      string           `json:"model_version"`
	PreprocessVersion string           `json:"preprocess_version"`
	Placeholder       bool             `json:"placeholder"`
	Status            PredictionStatus `json:"status"`
	Output            json.RawMessage  `json:"output,omitempty"`
	Error             string           `json:"error,omitempty"`
	LatencyMs         int64            `json:"latency_ms"`
	CreatedAt         time.Time        `json:"created_at"`
}

// ClassResult 单个分类头的结果
type ClassResult struct {
	Class         string             `json:"class"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// MurmurSeverity 杂音分级（仅在主分类为 abnormal 时产生）
type MurmurSeverity struct {
	SeverityID   string      `json:"severity_id"`
	PredictionID string      `json:"prediction_id"`
	Key          SessionKey  `json:"key"`
	ModelName    string      `json:"model_name"`
	ModelVersion string      `json:"model_version"`
	Placeholder  bool        `json:"placeholder"`
	Location     ClassResult `json:"location"`
	Timing       ClassResult `json:"timing"`
	Shape        ClassResult `json:"shape"`
	Grading      ClassResult `json:"grading"`
	Pitch        ClassResult `json:"pitch"`
	Quality      ClassResult `json:"quality"`
	LatencyMs    int64       `json:"latency_ms"`
	CreatedAt    time.Time   `json:"created_at"`
}
