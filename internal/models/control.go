package models

import "strings"

// ControlType 控制消息类型
type ControlType string

const (
	ControlStartHeartSound ControlType = "start_heart-sound"
	ControlEndHeartSound   ControlType = "end_heart-sound"
	ControlStartElectrical ControlType = "start_electrical"
	ControlEndElectrical   ControlType = "end_electrical"
)

// ControlMessage meta 通道上的 JSON 控制消息
type ControlMessage struct {
	Type              ControlType `json:"type"`
	SessionID         string      `json:"session_id"`
	SampleRateHz      int         `json:"sample_rate_hz,omitempty"`
	Format            string      `json:"format,omitempty"`
	Channels          int         `json:"channels,omitempty"` // 仅心音
	ChunkMs           int         `json:"chunk_ms,omitempty"`
	ChunkSamples      int         `json:"chunk_samples,omitempty"`
	TargetDurationSec float64     `json:"target_duration_sec,omitempty"`
	TimestampMs       int64       `json:"timestamp_ms,omitempty"`
}

// Modality 返回控制消息作用的模态
func (c ControlMessage) Modality() (Modality, bool) {
	switch c.Type {
	case ControlStartHeartSound, ControlEndHeartSound:
		return ModalityHeartSound, true
	case ControlStartElectrical, ControlEndElectrical:
		return ModalityElectrical, true
	default:
		return "", false
	}
}

// IsStart 是否为 start_* 消息
func (c ControlMessage) IsStart() bool {
	return strings.HasPrefix(string(c.Type), "start_")
}
