package models

import (
	"fmt"
	"time"
)

// SessionStatus 会话生命周期状态
type SessionStatus string

const (
	StatusCreated    SessionStatus = "created"
	StatusStreaming  SessionStatus = "streaming"
	StatusProcessing SessionStatus = "processing"
	StatusDone       SessionStatus = "done"
	StatusError      SessionStatus = "error"
)

// Terminal 是否为终态（done / error 之后不允许再变更）
func (s SessionStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

func (s SessionStatus) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusStreaming:
		return 1
	case StatusProcessing:
		return 2
	case StatusDone, StatusError:
		return 3
	default:
		return -1
	}
}

// CanTransition 状态只能单向前进；error 可从任意非终态进入；done 只能从 processing 进入
func CanTransition(from, to SessionStatus) bool {
	if from.Terminal() || from.rank() < 0 || to.rank() < 0 {
		return false
	}
	switch to {
	case StatusError:
		return true
	case StatusDone:
		return from == StatusProcessing
	default:
		return to.rank() > from.rank()
	}
}

// SessionKey 会话键（tenant, device, session）
type SessionKey struct {
	TenantID  string `json:"tenant_id"`
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.DeviceID, k.SessionID)
}

// Session 一次录制尝试
type Session struct {
	Key       SessionKey    `json:"key"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Notes     string        `json:"notes,omitempty"`
}

// FinalizeReason 触发 finalize 的原因
type FinalizeReason string

const (
	FinalizeComplete    FinalizeReason = "complete"     // 所有已开始的模态都收到 end_*
	FinalizeIdleTimeout FinalizeReason = "idle_timeout" // 空闲超时，部分数据 finalize
)

// 进入 error 的原因（写入 notes）
const (
	ErrorReasonOverflow        = "buffer_overflow"
	ErrorReasonAbsoluteTimeout = "absolute_timeout"
	ErrorReasonPipeline        = "pipeline_failed"
	ErrorReasonSubmit          = "inference_submit_failed"
	ErrorReasonShutdown        = "service_shutdown"
)
