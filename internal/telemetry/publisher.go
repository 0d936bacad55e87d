package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"wisefido-cardio/internal/metrics"
	"wisefido-cardio/internal/models"
	"wisefido-cardio/internal/preprocess"
	"wisefido-cardio/internal/session"

	"go.uber.org/zap"
)

// SnapshotSource 流式会话快照来源（session.Manager 实现）
type SnapshotSource interface {
	LiveSnapshots(ctx context.Context, window int) []*session.LiveView
}

// Config 遥测配置
type Config struct {
	Interval      time.Duration
	WindowSamples int
	PersistEvery  int // 每 N 个 tick 追加一次 Stream/数据库，0 表示不追加
	SinkTimeout   time.Duration
}

// Publisher 按固定频率采样流式会话并扇出到各输出端
type Publisher struct {
	source  SnapshotSource
	cfg     Config
	live    []Sink
	persist []Sink
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	ticks  int
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPublisher 创建遥测发布器
func NewPublisher(source SnapshotSource, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.WindowSamples <= 0 {
		cfg.WindowSamples = 512
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = cfg.Interval
	}
	return &Publisher{
		source:  source,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// AddSink 每个 tick 都发布的输出端
func (p *Publisher) AddSink(s Sink) {
	p.live = append(p.live, s)
}

// AddPersistSink 每 PersistEvery 个 tick 发布一次的输出端
func (p *Publisher) AddPersistSink(s Sink) {
	p.persist = append(p.persist, s)
}

// Start 启动 ticker 协程
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Tick(ctx)
			}
		}
	}()
	p.logger.Info("Telemetry publisher started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Int("live_sinks", len(p.live)),
		zap.Int("persist_sinks", len(p.persist)),
	)
}

// Stop 停止并等待协程退出
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Tick 执行一次采样与发布，返回发布的快照数
func (p *Publisher) Tick(ctx context.Context) int {
	p.ticks++
	persist := p.cfg.PersistEvery > 0 && p.ticks%p.cfg.PersistEvery == 0

	snapCtx, cancel := context.WithTimeout(ctx, p.cfg.SinkTimeout)
	views := p.source.LiveSnapshots(snapCtx, p.cfg.WindowSamples)
	cancel()

	now := p.now().UTC()
	for _, v := range views {
		m := BuildLiveMetric(v, now)
		payload, err := json.Marshal(m)
		if err != nil {
			p.logger.Warn("Failed to marshal live metric", zap.String("session_id", v.Key.SessionID), zap.Error(err))
			continue
		}
		p.publishSession(ctx, m, payload, persist)
	}
	return len(views)
}

// publishSession 每个会话独立的发布期限，慢 sink 只影响当前会话
func (p *Publisher) publishSession(ctx context.Context, m *models.LiveMetric, payload []byte, persist bool) {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.SinkTimeout)
	defer cancel()
	p.fanOut(sctx, p.live, m, payload)
	if persist {
		p.fanOut(sctx, p.persist, m, payload)
	}
}

func (p *Publisher) fanOut(ctx context.Context, sinks []Sink, m *models.LiveMetric, payload []byte) {
	for _, s := range sinks {
		if err := s.Publish(ctx, m, payload); err != nil {
			p.metrics.TelemetryError(s.Name())
			p.logger.Debug("Telemetry sink failed",
				zap.String("sink", s.Name()),
				zap.String("session_id", m.Key.SessionID),
				zap.Error(err),
			)
			continue
		}
		p.metrics.TelemetryPublished(s.Name())
	}
}

// BuildLiveMetric 把会话实时视图转换为遥测快照
func BuildLiveMetric(v *session.LiveView, now time.Time) *models.LiveMetric {
	m := &models.LiveMetric{
		Key:        v.Key,
		Timestamp:  now,
		Modalities: make(map[models.Modality]models.ModalityLive, len(v.Buffers)),
	}
	for _, b := range v.Buffers {
		wave, err := preprocess.DecodePCM(b.Tail, b.Format, b.Channels)
		if err != nil {
			wave = nil
		}
		m.Modalities[b.Modality] = models.ModalityLive{
			Waveform:     wave,
			SampleRateHz: b.SampleRateHz,
			TotalSamples: b.TotalSamples,
			FillRatio:    b.FillRatio,
			Quality:      Quality(wave),
		}
	}
	return m
}
