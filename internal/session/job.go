package session

import (
	"context"
	"sync"
	"time"

	"wisefido-cardio/internal/models"
)

// BufferSnapshot finalize 时交给推理的单模态数据（原始 PCM，所有权转移给任务）
type BufferSnapshot struct {
	Modality       models.Modality
	SampleRateHz   int
	Format         string
	Channels       int
	SampleWidth    int
	Data           []byte
	Chunks         int
	TotalSamples   int64
	DurationSec    float64
	MinDurationSec float64
	Ended          bool
}

// FinalizeJob 一次 finalize 任务；Complete 必须且只会生效一次
type FinalizeJob struct {
	Key       models.SessionKey
	Reason    models.FinalizeReason
	StartedAt time.Time
	Buffers   []BufferSnapshot

	once sync.Once
	done func(error)
}

// NewFinalizeJob 创建任务，done 在推理与落库结束后被调用（err 为 nil 表示成功）
func NewFinalizeJob(key models.SessionKey, reason models.FinalizeReason, startedAt time.Time, buffers []BufferSnapshot, done func(error)) *FinalizeJob {
	return &FinalizeJob{
		Key:       key,
		Reason:    reason,
		StartedAt: startedAt,
		Buffers:   buffers,
		done:      done,
	}
}

// Complete 回报任务结果
func (j *FinalizeJob) Complete(err error) {
	j.once.Do(func() {
		if j.done != nil {
			j.done(err)
		}
	})
}

// Finalizer 接收 finalize 任务（推理编排器）；Submit 只负责入队，结果经 Complete 异步返回
type Finalizer interface {
	Submit(ctx context.Context, job *FinalizeJob) error
}

// Store 会话状态持久化
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	UpdateStatus(ctx context.Context, key models.SessionKey, status models.SessionStatus, endedAt *time.Time, notes string) error
}

// LiveView 流式会话的实时视图（遥测使用）
type LiveView struct {
	Key       models.SessionKey
	StartedAt time.Time
	Buffers   []BufferTail
}

// BufferTail 单模态最近样本
type BufferTail struct {
	Modality     models.Modality
	SampleRateHz int
	Format       string
	Channels     int
	TotalSamples int64
	FillRatio    float64
	Tail         []byte
}
