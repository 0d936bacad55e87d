package inference

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wisefido-cardio/internal/preprocess"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sine(freq float64, rate, n int, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return out
}

// heartLike 两个短促的低频包络/秒，近似 S1/S2
func heartLike(rate, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		t := float64(i) / float64(rate)
		phase := math.Mod(t, 1.0)
		var env float64
		if phase < 0.1 || (phase > 0.35 && phase < 0.43) {
			env = 0.6
		}
		out[i] = env * math.Sin(2*math.Pi*60*t)
	}
	return out
}

// ecgLike 72 bpm 尖峰 + 小幅基线
func ecgLike(rate, n int) []float64 {
	out := make([]float64, n)
	period := int(float64(rate) * 60 / 72)
	for i := range out {
		out[i] = 0.02 * math.Sin(2*math.Pi*1.0*float64(i)/float64(rate))
		if i%period < rate/50 {
			out[i] += 0.8
		}
	}
	return out
}

func heartFeatures(t *testing.T, samples []float64, rate int) *preprocess.FeatureVector {
	t.Helper()
	fv, err := preprocess.HeartSoundFeaturesFromSamples(samples, rate)
	require.NoError(t, err)
	return fv
}

func sumProbs(p map[string]float64) float64 {
	var s float64
	for _, v := range p {
		s += v
	}
	return s
}

func TestPlaceholderHeartSound_Deterministic(t *testing.T) {
	m := NewPlaceholderHeartSound("artifact_missing")
	info := m.Info()
	assert.True(t, info.Placeholder)
	assert.Equal(t, "artifact_missing", info.Reason)
	assert.Contains(t, info.Name, "placeholder")

	fv := heartFeatures(t, heartLike(4000, 4000*5), 4000)
	a, err := m.Classify(context.Background(), fv)
	require.NoError(t, err)
	b, err := m.Classify(context.Background(), fv)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Contains(t, PrimaryLabels, a.Label)
	assert.InDelta(t, 1.0, sumProbs(a.Probabilities), 1e-9)
}

func TestPlaceholderHeartSound_SilenceIsArtifact(t *testing.T) {
	fv := heartFeatures(t, make([]float64, 4000*3), 4000)
	c, err := NewPlaceholderHeartSound("demo_mode").Classify(context.Background(), fv)
	require.NoError(t, err)
	assert.Equal(t, LabelArtifact, c.Label)
}

func TestPlaceholderSeverity_AllHeads(t *testing.T) {
	fv := heartFeatures(t, heartLike(4000, 4000*5), 4000)
	g, err := NewPlaceholderSeverity("demo_mode").Grade(context.Background(), fv)
	require.NoError(t, err)

	results := map[string]string{
		"location": g.Location.Class,
		"timing":   g.Timing.Class,
		"shape":    g.Shape.Class,
		"grading":  g.Grading.Class,
		"pitch":    g.Pitch.Class,
		"quality":  g.Quality.Class,
	}
	for _, head := range SeverityHeads {
		assert.Contains(t, head.Classes, results[head.Name], head.Name)
	}
	assert.InDelta(t, 1.0, sumProbs(g.Grading.Probabilities), 1e-9)
}

func TestPlaceholderElectrical(t *testing.T) {
	w, err := preprocess.ElectricalPipelineFromSamples(ecgLike(500, 5000), 500)
	require.NoError(t, err)

	m := NewPlaceholderElectrical("demo_mode")
	a, err := m.Classify(context.Background(), w)
	require.NoError(t, err)
	b, err := m.Classify(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Contains(t, ElectricalLabels, a.Label)
	assert.True(t, m.Info().Placeholder)
}

func TestElectricalFeatures_PeakRate(t *testing.T) {
	w, err := preprocess.ElectricalPipelineFromSamples(ecgLike(500, 5000), 500)
	require.NoError(t, err)
	values := ElectricalFeatures(w)
	require.Len(t, values, len(ElectricalFeatureNames()))

	bpm := values[5]
	assert.InDelta(t, 72, bpm, 12)
}

func TestSoftmax(t *testing.T) {
	p := softmax([]float64{1000, 1000, 0})
	assert.InDelta(t, 0.5, p[0], 1e-9)
	assert.InDelta(t, 0.5, p[1], 1e-9)
	assert.InDelta(t, 0, p[2], 1e-9)
	assert.Empty(t, softmax(nil))
}

func linearManifest() *Manifest {
	return &Manifest{
		Kind:     KindLinear,
		Name:     "hs-linear",
		Version:  "1.0.0",
		Input:    preprocess.HeartSoundVersion,
		Features: []string{"rms_mean"},
		Mean:     []float64{0},
		Scale:    []float64{0.1},
		Head: &LinearHead{
			Labels:  PrimaryLabels,
			Weights: [][]float64{{-1}, {1}, {0}},
			Bias:    []float64{0, 0, 0},
		},
	}
}

func TestLinearHeartSound(t *testing.T) {
	m, err := newLinearHeartSound(linearManifest())
	require.NoError(t, err)
	assert.False(t, m.Info().Placeholder)
	assert.Equal(t, "hs-linear", m.Info().Name)

	loud := heartFeatures(t, sine(100, 4000, 4000*3, 0.8), 4000)
	c, err := m.Classify(context.Background(), loud)
	require.NoError(t, err)
	assert.Equal(t, LabelAbnormal, c.Label)
	assert.Greater(t, c.Confidence, 0.9)
}

func TestLinearManifest_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Manifest)
	}{
		{"unknown feature", func(m *Manifest) { m.Features = []string{"nope"} }},
		{"wrong labels", func(m *Manifest) { m.Head.Labels = []string{"a", "b", "c"} }},
		{"row count", func(m *Manifest) { m.Head.Weights = m.Head.Weights[:2] }},
		{"column count", func(m *Manifest) { m.Head.Weights[0] = []float64{1, 2} }},
		{"bias length", func(m *Manifest) { m.Head.Bias = []float64{0} }},
		{"scale length", func(m *Manifest) { m.Scale = []float64{1, 1} }},
		{"missing head", func(m *Manifest) { m.Head = nil }},
		{"pipeline mismatch", func(m *Manifest) { m.Input = "hs-mfcc-v0" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			man := linearManifest()
			tt.mutate(man)
			_, err := newLinearHeartSound(man)
			assert.ErrorIs(t, err, ErrInvalidArtifact)
		})
	}
}

func severityManifest() *Manifest {
	heads := make(map[string]LinearHead, len(SeverityHeads))
	for _, sh := range SeverityHeads {
		w := make([][]float64, len(sh.Classes))
		for i := range w {
			w[i] = []float64{0}
		}
		w[len(w)-1] = []float64{5}
		heads[sh.Name] = LinearHead{Labels: sh.Classes, Weights: w}
	}
	return &Manifest{
		Kind:     KindLinear,
		Name:     "severity-linear",
		Version:  "2",
		Features: []string{"rms_mean"},
		Heads:    heads,
	}
}

func TestLinearSeverity(t *testing.T) {
	m, err := newLinearSeverity(severityManifest())
	require.NoError(t, err)

	fv := heartFeatures(t, sine(100, 4000, 4000*3, 0.8), 4000)
	g, err := m.Grade(context.Background(), fv)
	require.NoError(t, err)
	assert.Equal(t, "Tricuspid", g.Location.Class)
	assert.Equal(t, "III/VI", g.Grading.Class)
	assert.Equal(t, "Musical", g.Quality.Class)

	man := severityManifest()
	delete(man.Heads, "pitch")
	_, err = newLinearSeverity(man)
	assert.ErrorIs(t, err, ErrInvalidArtifact)
}

func TestLinearElectrical(t *testing.T) {
	man := &Manifest{
		Kind:     KindLinear,
		Name:     "ecg-linear",
		Version:  "1",
		Input:    preprocess.ElectricalVersion,
		Features: []string{"peak_rate_bpm"},
		Mean:     []float64{75},
		Scale:    []float64{10},
		Head: &LinearHead{
			Labels:  ElectricalLabels,
			Weights: [][]float64{{0}, {0}, {0}},
			Bias:    []float64{3, 0, 0},
		},
	}
	m, err := newLinearElectrical(man)
	require.NoError(t, err)

	w, err := preprocess.ElectricalPipelineFromSamples(ecgLike(500, 5000), 500)
	require.NoError(t, err)
	c, err := m.Classify(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, ECGLabelNormal, c.Label)
}

func writeManifest(t *testing.T, dir, name string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func TestLoadModels_MissingArtifacts(t *testing.T) {
	m := LoadModels(t.TempDir(), false, time.Second, zap.NewNop())
	assert.True(t, m.AnyPlaceholder())
	for slot, info := range m.Status() {
		assert.True(t, info.Placeholder, slot)
		assert.Equal(t, "artifact_missing", info.Reason, slot)
	}
}

func TestLoadModels_DemoMode(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, HeartSoundManifest, linearManifest())

	m := LoadModels(dir, true, time.Second, zap.NewNop())
	info := m.HeartSound.Info()
	assert.True(t, info.Placeholder)
	assert.Equal(t, "demo_mode", info.Reason)
}

func TestLoadModels_Mixed(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, HeartSoundManifest, linearManifest())
	writeManifest(t, dir, SeverityManifest, severityManifest())
	require.NoError(t, os.WriteFile(filepath.Join(dir, ElectricalManifest), []byte("{not json"), 0o644))

	m := LoadModels(dir, false, time.Second, zap.NewNop())
	assert.False(t, m.HeartSound.Info().Placeholder)
	assert.Equal(t, "hs-linear", m.HeartSound.Info().Name)
	assert.False(t, m.Severity.Info().Placeholder)
	assert.True(t, m.Electrical.Info().Placeholder)
	assert.Equal(t, "artifact_invalid", m.Electrical.Info().Reason)
	assert.True(t, m.AnyPlaceholder())
}

func TestLoadModels_PipelineVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	man := linearManifest()
	man.Input = "hs-mfcc-v0"
	writeManifest(t, dir, HeartSoundManifest, man)

	m := LoadModels(dir, false, time.Second, zap.NewNop())
	assert.True(t, m.HeartSound.Info().Placeholder)
	assert.Equal(t, "artifact_invalid", m.HeartSound.Info().Reason)
}

func TestHTTPHeartSound(t *testing.T) {
	var got httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"probabilities":{"normal":0.1,"abnormal":0.7,"artifact":0.2}}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeManifest(t, dir, HeartSoundManifest, &Manifest{
		Kind: KindHTTP, Name: "hs-remote", Version: "3", Input: preprocess.HeartSoundVersion, Endpoint: srv.URL,
	})
	m := LoadModels(dir, false, time.Second, zap.NewNop())
	require.False(t, m.HeartSound.Info().Placeholder)

	fv := heartFeatures(t, heartLike(4000, 4000*3), 4000)
	c, err := m.HeartSound.Classify(context.Background(), fv)
	require.NoError(t, err)
	assert.Equal(t, LabelAbnormal, c.Label)
	assert.InDelta(t, 0.7, c.Confidence, 1e-9)
	assert.Equal(t, "hs-remote", got.Model)
	assert.Len(t, got.Features, len(preprocess.HeartSoundFeatureNames()))
}

func TestHTTPBackend_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fail":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"probabilities":{"normal":1}}`))
		}
	}))
	defer srv.Close()

	w, err := preprocess.ElectricalPipelineFromSamples(ecgLike(500, 5000), 500)
	require.NoError(t, err)

	failing := httpElectrical{newHTTPBackend(&Manifest{Name: "ecg", Version: "1", Endpoint: srv.URL + "/fail"}, time.Second)}
	_, err = failing.Classify(context.Background(), w)
	assert.Error(t, err)

	partial := httpElectrical{newHTTPBackend(&Manifest{Name: "ecg", Version: "1", Endpoint: srv.URL + "/ok"}, time.Second)}
	_, err = partial.Classify(context.Background(), w)
	assert.ErrorContains(t, err, "missing label")
}

func TestHTTPSeverity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		heads := map[string]map[string]float64{}
		for _, sh := range SeverityHeads {
			p := map[string]float64{}
			for i, c := range sh.Classes {
				p[c] = 0.1
				if i == 0 {
					p[c] = 0.9
				}
			}
			heads[sh.Name] = p
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"heads": heads})
	}))
	defer srv.Close()

	grader := httpSeverity{newHTTPBackend(&Manifest{Name: "sev", Version: "1", Endpoint: srv.URL}, time.Second)}
	g, err := grader.Grade(context.Background(), heartFeatures(t, heartLike(4000, 4000*3), 4000))
	require.NoError(t, err)
	assert.Equal(t, "Apex", g.Location.Class)
	assert.Equal(t, "I/VI", g.Grading.Class)
}
