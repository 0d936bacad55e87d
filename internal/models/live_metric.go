package models

import "time"

// SignalQuality 低成本信号质量指标
type SignalQuality struct {
	RMS           float64 `json:"rms"`
	ClippingRatio float64 `json:"clipping_ratio"`
	DCOffset      float64 `json:"dc_offset"`
	Flatline      bool    `json:"flatline"`
}

// ModalityLive 单个模态的实时快照
type ModalityLive struct {
	Waveform     []float64     `json:"waveform"`
	SampleRateHz int           `json:"sample_rate_hz"`
	TotalSamples int64         `json:"total_samples"`
	FillRatio    float64       `json:"fill_ratio"`
	Quality      SignalQuality `json:"quality"`
}

// LiveMetric 实时遥测快照（派生数据，无需持久）
type LiveMetric struct {
	Key        SessionKey                `json:"key"`
	Timestamp  time.Time                 `json:"timestamp"`
	Modalities map[Modality]ModalityLive `json:"modalities"`
}
