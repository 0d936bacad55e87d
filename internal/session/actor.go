package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"wisefido-cardio/internal/models"

	"go.uber.org/zap"
)

type envelopeKind int

const (
	envControl envelopeKind = iota
	envChunk
	envHeartbeat
	envSummary
	envLive
)

type envelope struct {
	kind     envelopeKind
	control  models.ControlMessage
	modality models.Modality
	data     []byte

	liveWindow   int
	summaryReply chan models.SessionSummary
	liveReply    chan *LiveView
}

// actor 单个会话的状态机；除 mailbox/done/results/submitted/closed 外的字段只在 run goroutine 内访问
type actor struct {
	m   *Manager
	key models.SessionKey
	log *zap.Logger

	mailbox   chan envelope
	dataLimit int // 数据类消息可占用的信箱容量，其余留给控制消息
	results   chan error
	submitted chan error
	done      chan struct{}
	closed    atomic.Bool // 已停止收数（finalize 开始或进入终态），分片在入信箱前即被拒绝

	status     models.SessionStatus
	startedAt  time.Time
	buffers    map[models.Modality]*buffer
	order      []models.Modality
	frozen     []models.BufferSummary // finalize 后保留的摘要
	finalizing bool

	idle *time.Timer
	abs  *time.Timer
}

func newActor(m *Manager, key models.SessionKey, now time.Time) *actor {
	idle := time.NewTimer(m.cfg.IdleTimeout)
	idle.Stop()
	return &actor{
		m:         m,
		key:       key,
		log:       m.logger.With(zap.String("tenant_id", key.TenantID), zap.String("device_id", key.DeviceID), zap.String("session_id", key.SessionID)),
		mailbox:   make(chan envelope, m.cfg.MailboxSize),
		dataLimit: m.cfg.MailboxSize - controlReserve(m.cfg.MailboxSize),
		results:   make(chan error, 1),
		submitted: make(chan error, 1),
		done:      make(chan struct{}),
		status:    models.StatusCreated,
		startedAt: now,
		buffers:   make(map[models.Modality]*buffer, len(models.Modalities)),
		idle:      idle,
		abs:       time.NewTimer(m.cfg.AbsoluteTimeout),
	}
}

func controlReserve(size int) int {
	if r := size / 8; r > 1 {
		return r
	}
	return 1
}

func (a *actor) run() {
	defer a.m.wg.Done()
	defer a.exit()

	a.m.createSession(&models.Session{Key: a.key, Status: a.status, StartedAt: a.startedAt})

	for !a.status.Terminal() {
		select {
		case env := <-a.mailbox:
			a.handle(env)
		case <-a.idle.C:
			a.onIdle()
		case <-a.abs.C:
			a.log.Warn("Absolute session timeout, forcing error", zap.String("status", string(a.status)))
			a.fail(models.ErrorReasonAbsoluteTimeout)
		case err := <-a.submitted:
			a.onSubmitted(err)
		case err := <-a.results:
			a.onFinalized(err)
		case <-a.m.ctx.Done():
			a.shutdown()
			return
		}
	}
}

func (a *actor) exit() {
	a.closed.Store(true)
	a.idle.Stop()
	a.abs.Stop()
	a.buffers = nil
	a.m.release(a)

	// 释放后信箱中残留的数据分片计为丢弃
	for {
		select {
		case env := <-a.mailbox:
			if env.kind == envChunk {
				a.m.metrics.MessageDropped(string(env.modality)+"-data", DropReason(ErrSessionTerminal))
			}
		default:
			return
		}
	}
}

func (a *actor) handle(env envelope) {
	switch env.kind {
	case envControl:
		if err := a.handleControl(env.control); err != nil {
			a.log.Warn("Control message rejected",
				zap.String("type", string(env.control.Type)),
				zap.String("status", string(a.status)),
				zap.Error(err),
			)
			a.m.metrics.MessageDropped("control", DropReason(err))
		}
	case envChunk:
		if err := a.handleChunk(env.modality, env.data); err != nil {
			a.log.Debug("Chunk rejected",
				zap.String("modality", string(env.modality)),
				zap.Int("bytes", len(env.data)),
				zap.String("status", string(a.status)),
				zap.Error(err),
			)
			a.m.metrics.MessageDropped(string(env.modality)+"-data", DropReason(err))
		}
	case envHeartbeat:
		if a.status == models.StatusStreaming && !a.finalizing {
			a.idle.Reset(a.m.cfg.IdleTimeout)
		}
	case envSummary:
		env.summaryReply <- a.summary()
	case envLive:
		env.liveReply <- a.live(env.liveWindow)
	}
}

func (a *actor) handleControl(msg models.ControlMessage) error {
	mod, ok := msg.Modality()
	if !ok {
		return fmt.Errorf("%w: type %q", ErrInvalidControl, msg.Type)
	}
	if msg.IsStart() {
		return a.startModality(mod, msg)
	}
	return a.endModality(mod)
}

func (a *actor) startModality(mod models.Modality, msg models.ControlMessage) error {
	if a.status != models.StatusCreated && a.status != models.StatusStreaming {
		return fmt.Errorf("%w: start %s in %s", ErrNotStreaming, mod, a.status)
	}
	if _, exists := a.buffers[mod]; exists {
		// 控制通道至少一次投递，重复 start 直接忽略
		a.log.Debug("Duplicate start ignored", zap.String("modality", string(mod)))
		return nil
	}

	b, err := newBuffer(mod, msg, a.m.cfg.modality(mod), time.Now())
	if err != nil {
		if a.status == models.StatusCreated && len(a.buffers) == 0 {
			a.fail("invalid_start: " + err.Error())
		}
		return err
	}
	a.buffers[mod] = b
	a.order = append(a.order, mod)

	a.log.Info("Modality started",
		zap.String("modality", string(mod)),
		zap.Int("sample_rate_hz", b.sampleRate),
		zap.String("format", b.format),
		zap.Int("channels", b.channels),
		zap.Float64("target_duration_sec", b.targetSec),
	)

	if a.status == models.StatusCreated {
		a.transition(models.StatusStreaming, "")
	}
	a.idle.Reset(a.m.cfg.IdleTimeout)
	return nil
}

func (a *actor) endModality(mod models.Modality) error {
	if a.finalizing {
		return nil
	}
	if a.status != models.StatusStreaming {
		return fmt.Errorf("%w: end %s in %s", ErrNotStreaming, mod, a.status)
	}
	b := a.buffers[mod]
	if b == nil {
		return fmt.Errorf("%w: end %s", ErrBufferNotOpen, mod)
	}
	if b.ended {
		return nil
	}
	b.ended = true
	a.log.Info("Modality ended",
		zap.String("modality", string(mod)),
		zap.Int64("total_samples", b.totalSamples),
		zap.Float64("duration_sec", b.durationSec()),
	)

	for _, other := range a.buffers {
		if !other.ended {
			a.idle.Reset(a.m.cfg.IdleTimeout)
			return nil
		}
	}
	a.finalize(models.FinalizeComplete)
	return nil
}

func (a *actor) handleChunk(mod models.Modality, data []byte) error {
	if a.status != models.StatusStreaming || a.finalizing {
		return ErrNotStreaming
	}
	b := a.buffers[mod]
	if b == nil {
		return ErrBufferNotOpen
	}
	if b.ended {
		return ErrModalityEnded
	}
	if err := b.append(data, time.Now()); err != nil {
		if errors.Is(err, ErrBufferOverflow) {
			a.log.Warn("Buffer duration bound exceeded, forcing error",
				zap.String("modality", string(mod)),
				zap.Int64("total_bytes", b.totalBytes),
				zap.Int("chunk_bytes", len(data)),
			)
			a.fail(models.ErrorReasonOverflow)
		}
		return err
	}
	a.idle.Reset(a.m.cfg.IdleTimeout)
	return nil
}

func (a *actor) onIdle() {
	if a.status != models.StatusStreaming || a.finalizing {
		return
	}
	a.log.Info("Idle timeout, finalizing with partial data")
	a.finalize(models.FinalizeIdleTimeout)
}

// finalize 进入 processing 并把数据交给 Finalizer；幂等
func (a *actor) finalize(reason models.FinalizeReason) {
	if a.finalizing {
		return
	}
	a.finalizing = true
	a.closed.Store(true)
	a.idle.Stop()

	if !a.transition(models.StatusProcessing, "") {
		return
	}
	a.m.metrics.SessionFinalized(string(reason))

	snapshots := make([]BufferSnapshot, 0, len(a.order))
	a.frozen = make([]models.BufferSummary, 0, len(a.order))
	for _, mod := range a.order {
		b := a.buffers[mod]
		snapshots = append(snapshots, b.snapshot())
		a.frozen = append(a.frozen, b.summary())
	}
	// 缓冲区在离开 streaming 时释放，数据所有权转给任务
	a.buffers = make(map[models.Modality]*buffer)

	results := a.results
	job := NewFinalizeJob(a.key, reason, a.startedAt, snapshots, func(err error) {
		select {
		case results <- err:
		default:
		}
	})

	// 推理队列满时 Submit 会等待；放到后台执行，actor 继续处理信箱
	submitted := a.submitted
	a.m.wg.Add(1)
	go func() {
		defer a.m.wg.Done()
		ctx, cancel := context.WithTimeout(a.m.ctx, a.m.cfg.SubmitTimeout)
		defer cancel()
		submitted <- a.m.finalizer.Submit(ctx, job)
	}()
	a.log.Info("Session finalized", zap.String("reason", string(reason)), zap.Int("modalities", len(snapshots)))
}

func (a *actor) onSubmitted(err error) {
	if err == nil {
		return
	}
	a.log.Error("Failed to submit finalize job", zap.Error(err))
	if a.status == models.StatusProcessing {
		a.fail(models.ErrorReasonSubmit)
	}
}

func (a *actor) onFinalized(err error) {
	if a.status != models.StatusProcessing {
		return
	}
	if err != nil {
		a.log.Error("Inference pipeline failed", zap.Error(err))
		a.transition(models.StatusError, models.ErrorReasonPipeline+": "+err.Error())
		return
	}
	a.transition(models.StatusDone, "")
}

func (a *actor) fail(reason string) {
	a.transition(models.StatusError, reason)
}

// shutdown 服务停止：未进入 processing 的会话记为 error，processing 中的保持原状等待人工处理
func (a *actor) shutdown() {
	if a.status == models.StatusCreated || a.status == models.StatusStreaming {
		a.fail(models.ErrorReasonShutdown)
	}
}

func (a *actor) transition(to models.SessionStatus, notes string) bool {
	if !models.CanTransition(a.status, to) {
		a.log.Warn("Illegal session transition ignored",
			zap.String("from", string(a.status)),
			zap.String("to", string(to)),
		)
		return false
	}
	from := a.status
	a.status = to
	if to != models.StatusStreaming {
		a.closed.Store(true)
	}

	var endedAt *time.Time
	if to.Terminal() {
		now := time.Now()
		endedAt = &now
	}
	a.log.Info("Session status changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("notes", notes),
	)
	a.m.metrics.SessionTransition(string(to))
	a.m.updateStatus(a.key, to, endedAt, notes)
	return true
}

func (a *actor) summary() models.SessionSummary {
	s := models.SessionSummary{Key: a.key, Status: a.status, StartedAt: a.startedAt}
	if a.frozen != nil {
		s.Buffers = append(s.Buffers, a.frozen...)
		return s
	}
	for _, mod := range a.order {
		s.Buffers = append(s.Buffers, a.buffers[mod].summary())
	}
	return s
}

func (a *actor) live(window int) *LiveView {
	if a.status != models.StatusStreaming || a.finalizing {
		return nil
	}
	v := &LiveView{Key: a.key, StartedAt: a.startedAt}
	for _, mod := range a.order {
		b := a.buffers[mod]
		v.Buffers = append(v.Buffers, BufferTail{
			Modality:     mod,
			SampleRateHz: b.sampleRate,
			Format:       b.format,
			Channels:     b.channels,
			TotalSamples: b.totalSamples,
			FillRatio:    b.fillRatio(),
			Tail:         b.tail(window),
		})
	}
	return v
}
