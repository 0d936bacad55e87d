package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-cardio/internal/config"
	"wisefido-cardio/internal/metrics"
	"wisefido-cardio/internal/models"
	"wisefido-cardio/internal/repository"

	"go.uber.org/zap"
)

// Config 会话管理器配置
type Config struct {
	HeartSound config.ModalityConfig
	Electrical config.ModalityConfig

	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
	TombstoneTTL    time.Duration
	MailboxSize     int

	SubmitTimeout time.Duration // finalize 任务入推理队列的最长等待（在后台等待，不占用 actor）
	StoreTimeout  time.Duration // 单次状态写入（含重试）的总时长
	StoreRetry    repository.RetryConfig
}

// ConfigFrom 由服务配置生成
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		HeartSound:      cfg.Cardio.HeartSound,
		Electrical:      cfg.Cardio.Electrical,
		IdleTimeout:     cfg.Cardio.IdleTimeout,
		AbsoluteTimeout: cfg.Cardio.AbsoluteTimeout,
		TombstoneTTL:    cfg.Cardio.TombstoneTTL,
		MailboxSize:     cfg.Cardio.MailboxSize,
		SubmitTimeout:   cfg.Cardio.Inference.SubmitTimeout,
		StoreTimeout:    5 * time.Second,
		StoreRetry:      repository.DefaultRetryConfig(),
	}
}

func (c Config) modality(m models.Modality) config.ModalityConfig {
	if m == models.ModalityElectrical {
		return c.Electrical
	}
	return c.HeartSound
}

// Manager 按 (tenant, device, session) 管理会话 actor
// map 只在查找/创建/释放时短暂加锁，同一会话的所有变更都在它自己的 goroutine 中串行执行
type Manager struct {
	cfg       Config
	store     Store
	finalizer Finalizer
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu         sync.RWMutex
	sessions   map[models.SessionKey]*actor
	tombstones map[models.SessionKey]time.Time
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager 创建会话管理器；store 可为 nil（不落库）
func NewManager(cfg Config, store Store, finalizer Finalizer, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}
	if cfg.MailboxSize < 2 {
		cfg.MailboxSize = 2
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		store:      store,
		finalizer:  finalizer,
		metrics:    m,
		logger:     logger,
		sessions:   make(map[models.SessionKey]*actor),
		tombstones: make(map[models.SessionKey]time.Time),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 启动墓碑清理
func (m *Manager) Start() {
	interval := m.cfg.TombstoneTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case now := <-ticker.C:
				m.pruneTombstones(now)
			}
		}
	}()
}

// Stop 停止所有会话 actor 并等待退出
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.logger.Info("Session manager stopped")
}

// HandleControl 处理控制消息；未知会话只在 start_* 时创建
func (m *Manager) HandleControl(key models.SessionKey, msg models.ControlMessage) error {
	if msg.SessionID != "" && msg.SessionID != key.SessionID {
		return fmt.Errorf("%w: session_id %q does not match address %q", ErrInvalidControl, msg.SessionID, key.SessionID)
	}
	if _, ok := msg.Modality(); !ok {
		return fmt.Errorf("%w: type %q", ErrInvalidControl, msg.Type)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if m.isTombstoned(key) {
		m.mu.Unlock()
		return ErrSessionTerminal
	}
	a := m.sessions[key]
	if a == nil {
		if !msg.IsStart() {
			m.mu.Unlock()
			return ErrUnknownSession
		}
		a = m.spawn(key)
	}
	m.mu.Unlock()

	// 控制消息可以使用信箱的保留容量，但同样不等待
	return a.tryDeliver(envelope{kind: envControl, control: msg}, cap(a.mailbox))
}

// HandleChunk 投递数据分片；会话已停止收数或信箱满时直接丢弃，不阻塞接入
func (m *Manager) HandleChunk(key models.SessionKey, mod models.Modality, data []byte) error {
	a, err := m.lookup(key)
	if err != nil {
		return err
	}
	if a.closed.Load() {
		return ErrNotStreaming
	}
	return a.tryDeliver(envelope{kind: envChunk, modality: mod, data: data}, a.dataLimit)
}

// Touch 心跳：重置空闲计时
func (m *Manager) Touch(key models.SessionKey) error {
	a, err := m.lookup(key)
	if err != nil {
		return err
	}
	if a.closed.Load() {
		return nil
	}
	return a.tryDeliver(envelope{kind: envHeartbeat}, a.dataLimit)
}

// ActiveCount 内存中的会话数
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Summaries 所有会话的缓冲区摘要；繁忙（信箱满）的会话在 ctx 到期前未回复则跳过
func (m *Manager) Summaries(ctx context.Context) []models.SessionSummary {
	actors := m.actors()
	replies := make([]chan models.SessionSummary, len(actors))
	for i, a := range actors {
		ch := make(chan models.SessionSummary, 1)
		if a.tryDeliver(envelope{kind: envSummary, summaryReply: ch}, a.dataLimit) == nil {
			replies[i] = ch
		}
	}

	out := make([]models.SessionSummary, 0, len(actors))
	for i, ch := range replies {
		if ch == nil {
			continue
		}
		select {
		case s := <-ch:
			out = append(out, s)
		case <-actors[i].done:
		case <-ctx.Done():
			return sortSummaries(out)
		}
	}
	return sortSummaries(out)
}

// LiveSnapshots 流式会话的最近 window 帧；只读请求，不会阻塞会话处理
func (m *Manager) LiveSnapshots(ctx context.Context, window int) []*LiveView {
	actors := m.actors()
	replies := make([]chan *LiveView, len(actors))
	for i, a := range actors {
		ch := make(chan *LiveView, 1)
		if a.closed.Load() {
			continue
		}
		if a.tryDeliver(envelope{kind: envLive, liveWindow: window, liveReply: ch}, a.dataLimit) == nil {
			replies[i] = ch
		}
	}

	var out []*LiveView
	for i, ch := range replies {
		if ch == nil {
			continue
		}
		select {
		case v := <-ch:
			if v != nil {
				out = append(out, v)
			}
		case <-actors[i].done:
		case <-ctx.Done():
			return out
		}
	}
	return out
}

func (m *Manager) spawn(key models.SessionKey) *actor {
	a := newActor(m, key, time.Now())
	m.sessions[key] = a
	m.metrics.SetActiveSessions(len(m.sessions))
	m.wg.Add(1)
	go a.run()
	m.logger.Info("Session created",
		zap.String("tenant_id", key.TenantID),
		zap.String("device_id", key.DeviceID),
		zap.String("session_id", key.SessionID),
	)
	return a
}

// release actor 退出时调用：移出 map，终态会话记墓碑
func (m *Manager) release(a *actor) {
	m.mu.Lock()
	if m.sessions[a.key] == a {
		delete(m.sessions, a.key)
	}
	if a.status.Terminal() {
		m.tombstones[a.key] = time.Now().Add(m.cfg.TombstoneTTL)
	}
	m.metrics.SetActiveSessions(len(m.sessions))
	m.mu.Unlock()
	close(a.done)
}

func (m *Manager) lookup(key models.SessionKey) (*actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.isTombstoned(key) {
		return nil, ErrSessionTerminal
	}
	a := m.sessions[key]
	if a == nil {
		return nil, ErrUnknownSession
	}
	return a, nil
}

func (m *Manager) isTombstoned(key models.SessionKey) bool {
	exp, ok := m.tombstones[key]
	return ok && time.Now().Before(exp)
}

func (m *Manager) pruneTombstones(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, exp := range m.tombstones {
		if now.After(exp) {
			delete(m.tombstones, k)
		}
	}
}

func (m *Manager) actors() []*actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*actor, 0, len(m.sessions))
	for _, a := range m.sessions {
		out = append(out, a)
	}
	return out
}

func (m *Manager) createSession(s *models.Session) {
	if m.store == nil {
		return
	}
	m.persist("create_session", s.Key, func(ctx context.Context) error {
		return m.store.CreateSession(ctx, s)
	})
}

func (m *Manager) updateStatus(key models.SessionKey, status models.SessionStatus, endedAt *time.Time, notes string) {
	if m.store == nil {
		return
	}
	m.persist("update_status", key, func(ctx context.Context) error {
		return m.store.UpdateStatus(ctx, key, status, endedAt, notes)
	})
}

// persist 状态写入带重试；失败只记录日志，不影响其他会话
func (m *Manager) persist(op string, key models.SessionKey, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
	defer cancel()
	if err := repository.Retry(ctx, m.cfg.StoreRetry, fn); err != nil {
		m.metrics.PersistFailed(op)
		m.logger.Error("Failed to persist session state",
			zap.String("op", op),
			zap.String("session_id", key.SessionID),
			zap.Error(err),
		)
	}
}

// tryDeliver 非阻塞投递；信箱中已有 limit 条及以上时拒绝
// 数据类消息的 limit 小于容量，为控制消息留出余量，分片洪泛不会挤掉 end_*
func (a *actor) tryDeliver(env envelope, limit int) error {
	select {
	case <-a.done:
		return ErrSessionTerminal
	default:
	}
	if len(a.mailbox) >= limit {
		return ErrMailboxFull
	}
	select {
	case a.mailbox <- env:
		return nil
	default:
		return ErrMailboxFull
	}
}

func sortSummaries(s []models.SessionSummary) []models.SessionSummary {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].StartedAt.Equal(s[j].StartedAt) {
			return s[i].StartedAt.Before(s[j].StartedAt)
		}
		return s[i].Key.String() < s[j].Key.String()
	})
	return s
}
