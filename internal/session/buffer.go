package session

import (
	"fmt"
	"time"

	"wisefido-cardio/internal/config"
	"wisefido-cardio/internal/models"
	"wisefido-cardio/internal/preprocess"
)

// buffer 单个 (session, modality) 的累积状态，只在所属 actor 的 goroutine 中访问
type buffer struct {
	modality     models.Modality
	sampleRate   int
	format       string
	channels     int
	sampleWidth  int
	frameBytes   int
	targetSec    float64
	minSec       float64
	maxBytes     int64
	chunks       [][]byte
	totalBytes   int64
	totalSamples int64 // 帧数（每声道一个样本）
	createdAt    time.Time
	lastChunkAt  *time.Time
	ended        bool
}

func newBuffer(mod models.Modality, msg models.ControlMessage, defaults config.ModalityConfig, now time.Time) (*buffer, error) {
	rate := msg.SampleRateHz
	if rate == 0 {
		rate = defaults.SampleRateHz
	}
	if rate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidControl, rate)
	}
	// 缓冲上限由声明的采样率推出，必须封顶，否则设备可以任意放大内存上限
	maxRate := defaults.MaxSampleRateHz
	if maxRate <= 0 {
		maxRate = defaults.SampleRateHz
	}
	if rate > maxRate {
		return nil, fmt.Errorf("%w: sample rate %d above limit %d", ErrInvalidControl, rate, maxRate)
	}

	format := msg.Format
	if format == "" {
		format = defaults.Format
	}
	width, err := preprocess.SampleWidth(format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}

	channels := 1
	if mod == models.ModalityHeartSound && msg.Channels > 0 {
		channels = msg.Channels
	}
	if channels > 2 {
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidControl, channels)
	}

	target := msg.TargetDurationSec
	if target <= 0 || target > defaults.MaxDurationSec {
		target = defaults.MaxDurationSec
	}

	frameBytes := width * channels
	maxBytes := defaults.MaxDurationSec * float64(rate) * float64(frameBytes)
	if maxBytes > config.MaxBufferBytes {
		return nil, fmt.Errorf("%w: %.0f byte buffer above ceiling %d", ErrInvalidControl, maxBytes, config.MaxBufferBytes)
	}
	maxFrames := int64(defaults.MaxDurationSec * float64(rate))

	return &buffer{
		modality:    mod,
		sampleRate:  rate,
		format:      format,
		channels:    channels,
		sampleWidth: width,
		frameBytes:  frameBytes,
		targetSec:   target,
		minSec:      defaults.MinDurationSec,
		maxBytes:    maxFrames * int64(frameBytes),
		createdAt:   now,
	}, nil
}

// append 追加分片；上限在追加之前检查，越界的分片不会进入内存
func (b *buffer) append(chunk []byte, now time.Time) error {
	if len(chunk) == 0 || len(chunk)%b.frameBytes != 0 {
		return fmt.Errorf("%w: %d bytes, frame %d", ErrMisalignedChunk, len(chunk), b.frameBytes)
	}
	if b.totalBytes+int64(len(chunk)) > b.maxBytes {
		return fmt.Errorf("%w: %d + %d > %d bytes", ErrBufferOverflow, b.totalBytes, len(chunk), b.maxBytes)
	}

	b.chunks = append(b.chunks, chunk)
	b.totalBytes += int64(len(chunk))
	b.totalSamples += int64(len(chunk) / b.frameBytes)
	b.lastChunkAt = &now
	return nil
}

func (b *buffer) durationSec() float64 {
	return float64(b.totalSamples) / float64(b.sampleRate)
}

func (b *buffer) fillRatio() float64 {
	if b.targetSec <= 0 {
		return 0
	}
	r := b.durationSec() / b.targetSec
	if r > 1 {
		r = 1
	}
	return r
}

// bytes 按到达顺序拼接全部分片
func (b *buffer) bytes() []byte {
	out := make([]byte, 0, b.totalBytes)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// tail 最近 frames 帧的拷贝
func (b *buffer) tail(frames int) []byte {
	want := int64(frames) * int64(b.frameBytes)
	if want > b.totalBytes {
		want = b.totalBytes
	}
	out := make([]byte, want)
	pos := want
	for i := len(b.chunks) - 1; i >= 0 && pos > 0; i-- {
		c := b.chunks[i]
		if int64(len(c)) >= pos {
			copy(out, c[int64(len(c))-pos:])
			pos = 0
			break
		}
		pos -= int64(len(c))
		copy(out[pos:], c)
	}
	return out
}

func (b *buffer) summary() models.BufferSummary {
	return models.BufferSummary{
		Modality:          b.modality,
		Chunks:            len(b.chunks),
		TotalBytes:        b.totalBytes,
		TotalSamples:      b.totalSamples,
		SampleRateHz:      b.sampleRate,
		Format:            b.format,
		TargetDurationSec: b.targetSec,
		FillRatio:         b.fillRatio(),
		Ended:             b.ended,
		CreatedAt:         b.createdAt,
		LastChunkAt:       b.lastChunkAt,
	}
}

func (b *buffer) snapshot() BufferSnapshot {
	return BufferSnapshot{
		Modality:       b.modality,
		SampleRateHz:   b.sampleRate,
		Format:         b.format,
		Channels:       b.channels,
		SampleWidth:    b.sampleWidth,
		Data:           b.bytes(),
		Chunks:         len(b.chunks),
		TotalSamples:   b.totalSamples,
		DurationSec:    b.durationSec(),
		MinDurationSec: b.minSec,
		Ended:          b.ended,
	}
}
