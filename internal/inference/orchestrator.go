package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wisefido-cardio/internal/metrics"
	"wisefido-cardio/internal/models"
	"wisefido-cardio/internal/preprocess"
	"wisefido-cardio/internal/repository"
	"wisefido-cardio/internal/session"
	"wisefido-cardio/internal/storage"
	"wisefido-cardio/internal/worker"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ResultStore 结果落库
type ResultStore interface {
	SaveResults(ctx context.Context, batch *repository.ResultBatch) (*repository.SaveSummary, error)
}

// BlobStore 录音存储
type BlobStore interface {
	Put(ctx context.Context, blob *storage.Blob) (*storage.StoredBlob, error)
}

// Options 编排器配置
type Options struct {
	Workers        int
	QueueSize      int
	Registerer     prometheus.Registerer // 为 nil 时不注册工作池指标
	Retry          repository.RetryConfig
	PersistTimeout time.Duration
}

// Orchestrator 推理编排：预处理 -> 主分类 -> (abnormal 时) 杂音分级，心电分支并行；随后存录音并落库
type Orchestrator struct {
	models  *Models
	results ResultStore
	blobs   BlobStore
	pool    *worker.Pool[*session.FinalizeJob]
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewOrchestrator 创建编排器
func NewOrchestrator(m *Models, results ResultStore, blobs BlobStore, opts Options, mtr *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 30 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = repository.DefaultRetryConfig()
	}
	o := &Orchestrator{
		models:  m,
		results: results,
		blobs:   blobs,
		opts:    opts,
		metrics: mtr,
		logger:  logger,
		now:     time.Now,
	}
	var poolOpts []worker.Option[*session.FinalizeJob]
	if opts.Registerer != nil {
		poolOpts = append(poolOpts, worker.WithMetrics[*session.FinalizeJob](opts.Registerer, "cardio_inference_pool"))
	}
	o.pool = worker.NewPool(opts.Workers, opts.QueueSize, o.process, poolOpts...)
	return o
}

// Start 启动工作池
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.pool.Start(ctx)
}

// Stop 停止接收新任务并等待在途任务
func (o *Orchestrator) Stop(timeout time.Duration) error {
	return o.pool.Stop(timeout)
}

// Submit 先尝试立即入队；队列满时等待直到成功、ctx 结束或工作池停止
func (o *Orchestrator) Submit(ctx context.Context, job *session.FinalizeJob) error {
	err := o.pool.Submit(job)
	if !errors.Is(err, worker.ErrQueueFull) {
		return err
	}
	o.logger.Warn("Inference queue full, waiting for a worker",
		zap.String("tenant_id", job.Key.TenantID),
		zap.String("session_id", job.Key.SessionID),
	)
	return o.pool.SubmitWait(ctx, job)
}

// Stats 工作池统计
func (o *Orchestrator) Stats() worker.PoolStats {
	return o.pool.Stats()
}

// Models 当前模型
func (o *Orchestrator) Models() *Models {
	return o.models
}

func (o *Orchestrator) process(ctx context.Context, job *session.FinalizeJob) error {
	_, err := o.Run(ctx, job)
	job.Complete(err)
	return err
}

// Run 推理并持久化；返回错误表示结果未能落库，会话应进入 error
func (o *Orchestrator) Run(ctx context.Context, job *session.FinalizeJob) (*Outcome, error) {
	start := o.now()
	out := o.Infer(ctx, job)

	batch := &repository.ResultBatch{
		Predictions: out.Predictions(),
		Severities:  out.Severities(),
	}

	pctx, cancel := context.WithTimeout(ctx, o.opts.PersistTimeout)
	defer cancel()

	for i := range job.Buffers {
		buf := &job.Buffers[i]
		if len(buf.Data) == 0 {
			continue
		}
		rec, err := o.storeRecording(pctx, job.Key, buf)
		if err != nil {
			o.metrics.PersistFailed("recording")
			return out, fmt.Errorf("store %s recording: %w", buf.Modality, err)
		}
		batch.Recordings = append(batch.Recordings, *rec)
	}

	var summary *repository.SaveSummary
	err := repository.Retry(pctx, o.opts.Retry, func(ctx context.Context) error {
		var err error
		summary, err = o.results.SaveResults(ctx, batch)
		return err
	})
	if err != nil {
		o.metrics.PersistFailed("results")
		o.logger.Error("Failed to persist inference results",
			zap.String("session_id", job.Key.SessionID),
			zap.Error(err),
		)
		return out, fmt.Errorf("persist results: %w", err)
	}

	for _, p := range batch.Predictions {
		o.metrics.Prediction(string(p.Modality), string(p.Status), p.Placeholder)
	}
	o.metrics.ObserveStage("pipeline", o.now().Sub(start))

	o.logger.Info("Session results persisted",
		zap.String("tenant_id", job.Key.TenantID),
		zap.String("device_id", job.Key.DeviceID),
		zap.String("session_id", job.Key.SessionID),
		zap.String("finalize_reason", string(job.Reason)),
		zap.String("severity_stage", string(out.Severity.Stage)),
		zap.Int("recordings", summary.Recordings),
		zap.Int("predictions", summary.Predictions),
		zap.Int("skipped_predictions", summary.SkippedPredictions),
		zap.Int("severities", summary.Severities),
	)
	return out, nil
}

func (o *Orchestrator) storeRecording(ctx context.Context, key models.SessionKey, buf *session.BufferSnapshot) (*models.Recording, error) {
	blob := &storage.Blob{
		Key:          key,
		Modality:     buf.Modality,
		SampleRateHz: buf.SampleRateHz,
		Channels:     buf.Channels,
		SampleWidth:  buf.SampleWidth,
		PCM:          buf.Data,
	}
	var stored *storage.StoredBlob
	err := repository.Retry(ctx, o.opts.Retry, func(ctx context.Context) error {
		var err error
		stored, err = o.blobs.Put(ctx, blob)
		if errors.Is(err, storage.ErrInvalidSegment) {
			return repository.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &models.Recording{
		RecordingID:  uuid.New().String(),
		Key:          key,
		Modality:     buf.Modality,
		SampleRateHz: buf.SampleRateHz,
		SampleCount:  buf.TotalSamples,
		DurationSec:  buf.DurationSec,
		Checksum:     stored.Checksum,
		StorageRef:   stored.StorageRef,
		CreatedAt:    o.now().UTC(),
	}, nil
}

// Infer 只做推理，不落库；模型失败只影响对应模态的预测
func (o *Orchestrator) Infer(ctx context.Context, job *session.FinalizeJob) *Outcome {
	out := &Outcome{Severity: SeverityResult{Stage: SeveritySkipped}}

	var hs, ecg *session.BufferSnapshot
	for i := range job.Buffers {
		switch job.Buffers[i].Modality {
		case models.ModalityHeartSound:
			hs = &job.Buffers[i]
		case models.ModalityElectrical:
			ecg = &job.Buffers[i]
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if hs != nil {
		g.Go(func() error {
			o.runHeartSound(gctx, job, hs, out)
			return nil
		})
	}
	if ecg != nil {
		g.Go(func() error {
			out.Electrical = o.runElectrical(gctx, job, ecg)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// runHeartSound 心音分支：主分类与条件分级共用一次预处理结果
func (o *Orchestrator) runHeartSound(ctx context.Context, job *session.FinalizeJob, buf *session.BufferSnapshot, out *Outcome) {
	info := o.models.HeartSound.Info()
	pred := o.newPrediction(job.Key, models.ModalityHeartSound, info, preprocess.HeartSoundVersion)
	out.Primary = &PrimaryResult{Prediction: pred}

	if insufficient(buf) {
		o.markInsufficient(&out.Primary.Prediction, buf)
		return
	}

	start := o.now()
	var fv *preprocess.FeatureVector
	err := guard(func() error {
		var err error
		fv, err = preprocess.HeartSoundFeatures(buf.Data, buf.Format, buf.Channels, buf.SampleRateHz)
		return err
	})
	o.metrics.ObserveStage("preprocess_heart_sound", o.now().Sub(start))
	if err != nil {
		o.markError(&out.Primary.Prediction, start, fmt.Errorf("preprocess: %w", err))
		return
	}

	var cls *Classification
	err = guard(func() error {
		var err error
		cls, err = o.models.HeartSound.Classify(ctx, fv)
		return err
	})
	if err != nil {
		o.markError(&out.Primary.Prediction, start, err)
		return
	}
	o.markCompleted(&out.Primary.Prediction, start, primaryOutput(job, buf, cls, info))
	out.Primary.Classification = cls

	if cls.Label != LabelAbnormal {
		out.Severity = SeverityResult{Stage: SeverityNotApplicable}
		return
	}
	out.Severity = o.runSeverity(ctx, job, fv, out.Primary.Prediction.PredictionID)
}

func (o *Orchestrator) runSeverity(ctx context.Context, job *session.FinalizeJob, fv *preprocess.FeatureVector, triggerID string) SeverityResult {
	info := o.models.Severity.Info()
	pred := o.newPrediction(job.Key, models.ModalityHeartSound, info, preprocess.HeartSoundVersion)

	start := o.now()
	var grades *SeverityGrades
	err := guard(func() error {
		var err error
		grades, err = o.models.Severity.Grade(ctx, fv)
		return err
	})
	if err != nil {
		o.markError(&pred, start, err)
		return SeverityResult{Stage: SeverityFailed, Prediction: &pred, Error: pred.Error}
	}

	o.markCompleted(&pred, start, severityOutput(triggerID, grades, info))
	sev := &models.MurmurSeverity{
		SeverityID:   uuid.New().String(),
		PredictionID: pred.PredictionID,
		Key:          job.Key,
		ModelName:    info.Name,
		ModelVersion: info.Version,
		Placeholder:  info.Placeholder,
		Location:     grades.Location,
		Timing:       grades.Timing,
		Shape:        grades.Shape,
		Grading:      grades.Grading,
		Pitch:        grades.Pitch,
		Quality:      grades.Quality,
		LatencyMs:    pred.LatencyMs,
		CreatedAt:    pred.CreatedAt,
	}
	return SeverityResult{Stage: SeverityCompleted, Prediction: &pred, Severity: sev}
}

func (o *Orchestrator) runElectrical(ctx context.Context, job *session.FinalizeJob, buf *session.BufferSnapshot) *ElectricalResult {
	info := o.models.Electrical.Info()
	res := &ElectricalResult{Prediction: o.newPrediction(job.Key, models.ModalityElectrical, info, preprocess.ElectricalVersion)}

	if insufficient(buf) {
		o.markInsufficient(&res.Prediction, buf)
		return res
	}

	start := o.now()
	var w *preprocess.ElectricalWindow
	err := guard(func() error {
		var err error
		w, err = preprocess.ElectricalPipeline(buf.Data, buf.Format, buf.SampleRateHz)
		return err
	})
	o.metrics.ObserveStage("preprocess_electrical", o.now().Sub(start))
	if err != nil {
		o.markError(&res.Prediction, start, fmt.Errorf("preprocess: %w", err))
		return res
	}

	var cls *Classification
	err = guard(func() error {
		var err error
		cls, err = o.models.Electrical.Classify(ctx, w)
		return err
	})
	if err != nil {
		o.markError(&res.Prediction, start, err)
		return res
	}
	o.markCompleted(&res.Prediction, start, electricalOutput(job, w, cls, info))
	res.Classification = cls
	return res
}

func (o *Orchestrator) newPrediction(key models.SessionKey, mod models.Modality, info ModelInfo, preprocessVersion string) models.Prediction {
	return models.Prediction{
		PredictionID:      uuid.New().String(),
		Key:               key,
		Modality:          mod,
		ModelName:         info.Name,
		ModelVersion:      info.Version,
		PreprocessVersion: preprocessVersion,
		Placeholder:       info.Placeholder,
		CreatedAt:         o.now().UTC(),
	}
}

func (o *Orchestrator) markCompleted(p *models.Prediction, start time.Time, output any) {
	p.Status = models.PredictionCompleted
	p.LatencyMs = o.now().Sub(start).Milliseconds()
	p.Output = mustJSON(output)
	o.metrics.ObserveStage("model_"+string(p.Modality), o.now().Sub(start))
}

func (o *Orchestrator) markError(p *models.Prediction, start time.Time, err error) {
	p.Status = models.PredictionError
	p.Error = err.Error()
	p.LatencyMs = o.now().Sub(start).Milliseconds()
	o.logger.Warn("Model invocation failed",
		zap.String("session_id", p.Key.SessionID),
		zap.String("modality", string(p.Modality)),
		zap.String("model", p.ModelName),
		zap.Error(err),
	)
}

func (o *Orchestrator) markInsufficient(p *models.Prediction, buf *session.BufferSnapshot) {
	p.Status = models.PredictionInsufficientData
	p.Output = mustJSON(map[string]any{
		"duration_sec":     buf.DurationSec,
		"min_duration_sec": buf.MinDurationSec,
		"total_samples":    buf.TotalSamples,
	})
}

func insufficient(buf *session.BufferSnapshot) bool {
	return len(buf.Data) == 0 || buf.DurationSec < buf.MinDurationSec
}

// guard 把模型或预处理中的 panic 转成错误
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrModelPanic, r)
		}
	}()
	return fn()
}

func primaryOutput(job *session.FinalizeJob, buf *session.BufferSnapshot, c *Classification, info ModelInfo) map[string]any {
	out := map[string]any{
		"label":           c.Label,
		"confidence":      c.Confidence,
		"probabilities":   c.Probabilities,
		"finalize_reason": job.Reason,
		"duration_sec":    buf.DurationSec,
		"sample_rate_hz":  buf.SampleRateHz,
	}
	withPlaceholder(out, info)
	return out
}

func severityOutput(triggerID string, g *SeverityGrades, info ModelInfo) map[string]any {
	out := map[string]any{
		"trigger_prediction_id": triggerID,
		"location":              g.Location,
		"timing":                g.Timing,
		"shape":                 g.Shape,
		"grading":               g.Grading,
		"pitch":                 g.Pitch,
		"quality":               g.Quality,
	}
	withPlaceholder(out, info)
	return out
}

func electricalOutput(job *session.FinalizeJob, w *preprocess.ElectricalWindow, c *Classification, info ModelInfo) map[string]any {
	out := map[string]any{
		"label":           c.Label,
		"confidence":      c.Confidence,
		"probabilities":   c.Probabilities,
		"finalize_reason": job.Reason,
		"duration_sec":    w.DurationSec,
		"padded":          w.Padded,
		"truncated":       w.Truncated,
	}
	withPlaceholder(out, info)
	return out
}

func withPlaceholder(out map[string]any, info ModelInfo) {
	if info.Placeholder {
		out["placeholder"] = true
		out["placeholder_reason"] = info.Reason
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
