package inference

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wisefido-cardio/internal/models"
	"wisefido-cardio/internal/preprocess"
	"wisefido-cardio/internal/repository"
	"wisefido-cardio/internal/session"
	"wisefido-cardio/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHeartSound struct {
	label string
	panic bool
	calls atomic.Int32
}

func (f *fakeHeartSound) Info() ModelInfo {
	return ModelInfo{Name: "fake-heart-sound", Version: "1", Kind: "fake"}
}

func (f *fakeHeartSound) Classify(_ context.Context, _ *preprocess.FeatureVector) (*Classification, error) {
	f.calls.Add(1)
	if f.panic {
		panic("classifier exploded")
	}
	return peakedClassification(PrimaryLabels, f.label), nil
}

type fakeSeverity struct {
	err   error
	panic bool
	calls atomic.Int32
}

func (f *fakeSeverity) Info() ModelInfo {
	return ModelInfo{Name: "fake-severity", Version: "1", Kind: "fake"}
}

func (f *fakeSeverity) Grade(_ context.Context, _ *preprocess.FeatureVector) (*SeverityGrades, error) {
	f.calls.Add(1)
	if f.panic {
		panic("grader exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	g := &SeverityGrades{}
	for _, sh := range SeverityHeads {
		g.set(sh.Name, peaked(sh.Classes, 0))
	}
	return g, nil
}

type fakeElectrical struct {
	err   error
	calls atomic.Int32
}

func (f *fakeElectrical) Info() ModelInfo {
	return ModelInfo{Name: "fake-electrical", Version: "1", Kind: "fake"}
}

func (f *fakeElectrical) Classify(_ context.Context, _ *preprocess.ElectricalWindow) (*Classification, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return peakedClassification(ElectricalLabels, ECGLabelNormal), nil
}

func peakedClassification(labels []string, label string) *Classification {
	probs := make([]float64, len(labels))
	for i, l := range labels {
		probs[i] = 0.1
		if l == label {
			probs[i] = 0.8
		}
	}
	return toClassification(labels, probs)
}

type fakeResults struct {
	mu      sync.Mutex
	batches []*repository.ResultBatch
	fail    error
	calls   int
	gate    chan struct{} // 非 nil 时 SaveResults 等待其关闭
}

func (f *fakeResults) SaveResults(_ context.Context, batch *repository.ResultBatch) (*repository.SaveSummary, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	f.batches = append(f.batches, batch)
	return &repository.SaveSummary{
		Recordings:  len(batch.Recordings),
		Predictions: len(batch.Predictions),
		Severities:  len(batch.Severities),
	}, nil
}

type fakeBlobs struct {
	mu    sync.Mutex
	blobs []*storage.Blob
}

func (f *fakeBlobs) Put(_ context.Context, b *storage.Blob) (*storage.StoredBlob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs = append(f.blobs, b)
	return &storage.StoredBlob{StorageRef: "file:///tmp/" + string(b.Modality) + ".wav", Checksum: "abc", Bytes: int64(len(b.PCM))}, nil
}

var testKey = models.SessionKey{TenantID: "t1", DeviceID: "d1", SessionID: "s1"}

func heartBuffer(seconds float64) session.BufferSnapshot {
	rate := 4000
	n := int(seconds * float64(rate))
	return session.BufferSnapshot{
		Modality:       models.ModalityHeartSound,
		SampleRateHz:   rate,
		Format:         "s16le",
		Channels:       1,
		SampleWidth:    2,
		Data:           preprocess.EncodeS16LE(heartLike(rate, n)),
		TotalSamples:   int64(n),
		DurationSec:    seconds,
		MinDurationSec: 3,
		Ended:          true,
	}
}

func electricalBuffer(seconds float64) session.BufferSnapshot {
	rate := 500
	n := int(seconds * float64(rate))
	return session.BufferSnapshot{
		Modality:       models.ModalityElectrical,
		SampleRateHz:   rate,
		Format:         "s16le",
		Channels:       1,
		SampleWidth:    2,
		Data:           preprocess.EncodeS16LE(ecgLike(rate, n)),
		TotalSamples:   int64(n),
		DurationSec:    seconds,
		MinDurationSec: 3,
		Ended:          true,
	}
}

type harness struct {
	hs      *fakeHeartSound
	sev     *fakeSeverity
	ecg     *fakeElectrical
	results *fakeResults
	blobs   *fakeBlobs
	orch    *Orchestrator
}

func newHarness(label string) *harness {
	h := &harness{
		hs:      &fakeHeartSound{label: label},
		sev:     &fakeSeverity{},
		ecg:     &fakeElectrical{},
		results: &fakeResults{},
		blobs:   &fakeBlobs{},
	}
	m := &Models{HeartSound: h.hs, Severity: h.sev, Electrical: h.ecg}
	h.orch = NewOrchestrator(m, h.results, h.blobs, Options{
		Workers:   2,
		QueueSize: 4,
		Retry: repository.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
		},
		PersistTimeout: 5 * time.Second,
	}, nil, zap.NewNop())
	return h
}

func newJob(buffers ...session.BufferSnapshot) *session.FinalizeJob {
	return session.NewFinalizeJob(testKey, models.FinalizeComplete, time.Now(), buffers, nil)
}

func TestInfer_SeverityNeverRunsForNonAbnormal(t *testing.T) {
	for _, label := range []string{LabelNormal, LabelArtifact} {
		t.Run(label, func(t *testing.T) {
			h := newHarness(label)
			out := h.orch.Infer(context.Background(), newJob(heartBuffer(5)))

			require.NotNil(t, out.Primary)
			assert.Equal(t, models.PredictionCompleted, out.Primary.Prediction.Status)
			assert.Equal(t, label, out.Primary.Classification.Label)
			assert.Equal(t, SeverityNotApplicable, out.Severity.Stage)
			assert.Nil(t, out.Severity.Prediction)
			assert.Empty(t, out.Severities())
			assert.Equal(t, int32(0), h.sev.calls.Load())
			assert.Nil(t, out.Electrical)
		})
	}
}

func TestInfer_SeverityAlwaysRunsForAbnormal(t *testing.T) {
	h := newHarness(LabelAbnormal)
	out := h.orch.Infer(context.Background(), newJob(heartBuffer(5)))

	require.Equal(t, SeverityCompleted, out.Severity.Stage)
	assert.Equal(t, int32(1), h.sev.calls.Load())

	sevPred := out.Severity.Prediction
	require.NotNil(t, sevPred)
	assert.Equal(t, "fake-severity", sevPred.ModelName)
	assert.Equal(t, models.PredictionCompleted, sevPred.Status)

	sev := out.Severity.Severity
	require.NotNil(t, sev)
	assert.Equal(t, sevPred.PredictionID, sev.PredictionID)
	assert.Equal(t, "Apex", sev.Location.Class)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(sevPred.Output, &payload))
	assert.Equal(t, out.Primary.Prediction.PredictionID, payload["trigger_prediction_id"])

	assert.Len(t, out.Predictions(), 2)
	assert.Len(t, out.Severities(), 1)
}

func TestInfer_SeverityFailureIsIsolated(t *testing.T) {
	h := newHarness(LabelAbnormal)
	h.sev.panic = true
	out := h.orch.Infer(context.Background(), newJob(heartBuffer(5), electricalBuffer(10)))

	assert.Equal(t, models.PredictionCompleted, out.Primary.Prediction.Status)
	assert.Equal(t, SeverityFailed, out.Severity.Stage)
	require.NotNil(t, out.Severity.Prediction)
	assert.Equal(t, models.PredictionError, out.Severity.Prediction.Status)
	assert.Contains(t, out.Severity.Error, "panicked")
	assert.Empty(t, out.Severities())

	require.NotNil(t, out.Electrical)
	assert.Equal(t, models.PredictionCompleted, out.Electrical.Prediction.Status)
}

func TestInfer_PrimaryPanicDoesNotAffectElectrical(t *testing.T) {
	h := newHarness(LabelAbnormal)
	h.hs.panic = true
	out := h.orch.Infer(context.Background(), newJob(heartBuffer(5), electricalBuffer(10)))

	assert.Equal(t, models.PredictionError, out.Primary.Prediction.Status)
	assert.Nil(t, out.Primary.Classification)
	assert.Equal(t, SeveritySkipped, out.Severity.Stage)
	assert.Equal(t, int32(0), h.sev.calls.Load())
	assert.Equal(t, models.PredictionCompleted, out.Electrical.Prediction.Status)
	assert.Equal(t, preprocess.ElectricalVersion, out.Electrical.Prediction.PreprocessVersion)
}

func TestInfer_ElectricalError(t *testing.T) {
	h := newHarness(LabelNormal)
	h.ecg.err = errors.New("model server down")
	out := h.orch.Infer(context.Background(), newJob(heartBuffer(5), electricalBuffer(10)))

	assert.Equal(t, models.PredictionCompleted, out.Primary.Prediction.Status)
	assert.Equal(t, models.PredictionError, out.Electrical.Prediction.Status)
	assert.Equal(t, "model server down", out.Electrical.Prediction.Error)
}

func TestInfer_InsufficientData(t *testing.T) {
	h := newHarness(LabelAbnormal)
	out := h.orch.Infer(context.Background(), newJob(heartBuffer(1.25), electricalBuffer(10)))

	assert.Equal(t, models.PredictionInsufficientData, out.Primary.Prediction.Status)
	assert.Equal(t, SeveritySkipped, out.Severity.Stage)
	assert.Equal(t, int32(0), h.hs.calls.Load())
	assert.Equal(t, models.PredictionCompleted, out.Electrical.Prediction.Status)
}

func TestInfer_ElectricalOnly(t *testing.T) {
	h := newHarness(LabelAbnormal)
	out := h.orch.Infer(context.Background(), newJob(electricalBuffer(4)))

	assert.Nil(t, out.Primary)
	assert.Equal(t, SeveritySkipped, out.Severity.Stage)
	require.NotNil(t, out.Electrical)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(out.Electrical.Prediction.Output, &payload))
	assert.Equal(t, true, payload["padded"])
}

func TestInfer_PlaceholderFlagPropagates(t *testing.T) {
	m := &Models{
		HeartSound: NewPlaceholderHeartSound("demo_mode"),
		Severity:   NewPlaceholderSeverity("demo_mode"),
		Electrical: NewPlaceholderElectrical("demo_mode"),
	}
	o := NewOrchestrator(m, &fakeResults{}, &fakeBlobs{}, Options{Workers: 1, QueueSize: 1}, nil, zap.NewNop())
	out := o.Infer(context.Background(), newJob(heartBuffer(5), electricalBuffer(10)))

	for _, p := range out.Predictions() {
		assert.True(t, p.Placeholder, p.ModelName)
		assert.Contains(t, p.ModelName, "placeholder")
	}
}

func TestRun_PersistsRecordingsAndPredictions(t *testing.T) {
	h := newHarness(LabelAbnormal)
	out, err := h.orch.Run(context.Background(), newJob(heartBuffer(5), electricalBuffer(10)))
	require.NoError(t, err)
	require.NotNil(t, out)

	require.Len(t, h.results.batches, 1)
	batch := h.results.batches[0]
	assert.Len(t, batch.Recordings, 2)
	assert.Len(t, batch.Predictions, 3)
	assert.Len(t, batch.Severities, 1)
	assert.Len(t, h.blobs.blobs, 2)

	for _, r := range batch.Recordings {
		assert.Equal(t, testKey, r.Key)
		assert.Equal(t, "abc", r.Checksum)
		assert.NotEmpty(t, r.RecordingID)
	}
}

func TestRun_PersistFailureReturnsError(t *testing.T) {
	h := newHarness(LabelNormal)
	h.results.fail = errors.New("connection refused")

	_, err := h.orch.Run(context.Background(), newJob(heartBuffer(5)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist results")
	assert.Equal(t, 2, h.results.calls)
}

func TestSubmit_CompletesJob(t *testing.T) {
	h := newHarness(LabelNormal)
	require.NoError(t, h.orch.Start(context.Background()))
	defer h.orch.Stop(time.Second)

	done := make(chan error, 1)
	job := session.NewFinalizeJob(testKey, models.FinalizeIdleTimeout, time.Now(),
		[]session.BufferSnapshot{heartBuffer(5)}, func(err error) { done <- err })
	require.NoError(t, h.orch.Submit(context.Background(), job))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not completed")
	}

	var payload map[string]any
	require.Len(t, h.results.batches, 1)
	require.NoError(t, json.Unmarshal(h.results.batches[0].Predictions[0].Output, &payload))
	assert.Equal(t, string(models.FinalizeIdleTimeout), payload["finalize_reason"])
}

func TestSubmit_FailureReachesJob(t *testing.T) {
	h := newHarness(LabelNormal)
	h.results.fail = errors.New("db down")
	require.NoError(t, h.orch.Start(context.Background()))
	defer h.orch.Stop(time.Second)

	done := make(chan error, 1)
	job := session.NewFinalizeJob(testKey, models.FinalizeComplete, time.Now(),
		[]session.BufferSnapshot{heartBuffer(5)}, func(err error) { done <- err })
	require.NoError(t, h.orch.Submit(context.Background(), job))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not completed")
	}
}

func TestSubmit_WaitsWhenQueueFull(t *testing.T) {
	h := newHarness(LabelNormal)
	h.results.gate = make(chan struct{})
	h.orch = NewOrchestrator(&Models{HeartSound: h.hs, Severity: h.sev, Electrical: h.ecg}, h.results, h.blobs, Options{
		Workers:        1,
		QueueSize:      1,
		Retry:          repository.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		PersistTimeout: 5 * time.Second,
	}, nil, zap.NewNop())
	require.NoError(t, h.orch.Start(context.Background()))
	defer h.orch.Stop(time.Second)

	done := make(chan error, 4)
	submitJob := func(ctx context.Context) error {
		job := session.NewFinalizeJob(testKey, models.FinalizeComplete, time.Now(),
			[]session.BufferSnapshot{heartBuffer(5)}, func(err error) { done <- err })
		return h.orch.Submit(ctx, job)
	}

	require.NoError(t, submitJob(context.Background()))
	require.Eventually(t, func() bool { return h.orch.Stats().BusyWorkers == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, submitJob(context.Background()))

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, submitJob(short), context.DeadlineExceeded)

	waited := make(chan error, 1)
	go func() { waited <- submitJob(context.Background()) }()
	close(h.results.gate)

	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting submit never enqueued")
	}
	for i := 0; i < 3; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("job was not completed")
		}
	}
}
