package models

import "time"

// BufferSummary 单个模态缓冲区的只读摘要
type BufferSummary struct {
	Modality          Modality   `json:"modality"`
	Chunks            int        `json:"chunks"`
	TotalBytes        int64      `json:"total_bytes"`
	TotalSamples      int64      `json:"total_samples"`
	SampleRateHz      int        `json:"sample_rate_hz"`
	Format            string     `json:"format"`
	TargetDurationSec float64    `json:"target_duration_sec"`
	FillRatio         float64    `json:"fill_ratio"`
	Ended             bool       `json:"ended"`
	CreatedAt         time.Time  `json:"created_at"`
	LastChunkAt       *time.Time `json:"last_chunk_at,omitempty"`
}

// SessionSummary 会话摘要（metrics 探针）
type SessionSummary struct {
	Key       SessionKey      `json:"key"`
	Status    SessionStatus   `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	Buffers   []BufferSummary `json:"buffers"`
}

// Recording 缓冲区 finalize 后的持久化形式（写入后不可变）
type Recording struct {
	RecordingID  string     `json:"recording_id"`
	Key          SessionKey `json:"key"`
	Modality     Modality   `json:"modality"`
	SampleRateHz int        `json:"sample_rate_hz"`
	SampleCount  int64      `json:"sample_count"`
	DurationSec  float64    `json:"duration_sec"`
	Checksum     string     `json:"checksum"`
	StorageRef   string     `json:"storage_ref"`
	CreatedAt    time.Time  `json:"created_at"`
}
