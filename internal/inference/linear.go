package inference

import (
	"context"
	"fmt"

	"wisefido-cardio/internal/models"
	"wisefido-cardio/internal/preprocess"

	"gonum.org/v1/gonum/mat"
)

// LinearHead softmax(W·x + b)
type LinearHead struct {
	Labels  []string    `json:"labels"`
	Weights [][]float64 `json:"weights"` // len(Labels) x len(features)
	Bias    []float64   `json:"bias"`

	w *mat.Dense
	b *mat.VecDense
}

func (h *LinearHead) compile(nFeatures int, labels []string) error {
	if len(h.Labels) == 0 {
		h.Labels = labels
	}
	if labels != nil && !sameSet(h.Labels, labels) {
		return fmt.Errorf("%w: labels %v, expected %v", ErrInvalidArtifact, h.Labels, labels)
	}
	k := len(h.Labels)
	if len(h.Weights) != k {
		return fmt.Errorf("%w: %d weight rows for %d labels", ErrInvalidArtifact, len(h.Weights), k)
	}
	data := make([]float64, 0, k*nFeatures)
	for i, row := range h.Weights {
		if len(row) != nFeatures {
			return fmt.Errorf("%w: weight row %d has %d columns, expected %d", ErrInvalidArtifact, i, len(row), nFeatures)
		}
		data = append(data, row...)
	}
	bias := h.Bias
	if bias == nil {
		bias = make([]float64, k)
	}
	if len(bias) != k {
		return fmt.Errorf("%w: bias length %d, expected %d", ErrInvalidArtifact, len(bias), k)
	}
	h.w = mat.NewDense(k, nFeatures, data)
	h.b = mat.NewVecDense(k, append([]float64(nil), bias...))
	return nil
}

func (h *LinearHead) predict(x []float64) []float64 {
	var z mat.VecDense
	z.MulVec(h.w, mat.NewVecDense(len(x), x))
	z.AddVec(&z, h.b)
	return softmax(z.RawVector().Data)
}

// linearInput 特征选择 + 标准化
type linearInput struct {
	names []string
	mean  []float64
	scale []float64
}

func newLinearInput(m *Manifest, available []string) (*linearInput, error) {
	if len(m.Features) == 0 {
		return nil, fmt.Errorf("%w: linear model needs features", ErrInvalidArtifact)
	}
	known := make(map[string]bool, len(available))
	for _, n := range available {
		known[n] = true
	}
	for _, n := range m.Features {
		if !known[n] {
			return nil, fmt.Errorf("%w: unknown feature %q", ErrInvalidArtifact, n)
		}
	}
	in := &linearInput{names: m.Features, mean: m.Mean, scale: m.Scale}
	if in.mean != nil && len(in.mean) != len(in.names) {
		return nil, fmt.Errorf("%w: mean length mismatch", ErrInvalidArtifact)
	}
	if in.scale != nil && len(in.scale) != len(in.names) {
		return nil, fmt.Errorf("%w: scale length mismatch", ErrInvalidArtifact)
	}
	return in, nil
}

func (in *linearInput) vector(lookup func(string) float64) []float64 {
	x := make([]float64, len(in.names))
	for i, n := range in.names {
		v := lookup(n)
		if in.mean != nil {
			v -= in.mean[i]
		}
		if in.scale != nil && in.scale[i] != 0 {
			v /= in.scale[i]
		}
		x[i] = v
	}
	return x
}

// linearHeartSound 进程内线性主分类器
type linearHeartSound struct {
	info  ModelInfo
	input *linearInput
	head  *LinearHead
}

func newLinearHeartSound(m *Manifest) (*linearHeartSound, error) {
	if m.Input != "" && m.Input != preprocess.HeartSoundVersion {
		return nil, fmt.Errorf("%w: model expects %s, pipeline is %s", ErrInvalidArtifact, m.Input, preprocess.HeartSoundVersion)
	}
	in, err := newLinearInput(m, preprocess.HeartSoundFeatureNames())
	if err != nil {
		return nil, err
	}
	if m.Head == nil {
		return nil, fmt.Errorf("%w: missing head", ErrInvalidArtifact)
	}
	if err := m.Head.compile(len(in.names), PrimaryLabels); err != nil {
		return nil, err
	}
	return &linearHeartSound{info: m.info(), input: in, head: m.Head}, nil
}

func (l *linearHeartSound) Info() ModelInfo { return l.info }

func (l *linearHeartSound) Classify(_ context.Context, f *preprocess.FeatureVector) (*Classification, error) {
	x := l.input.vector(func(n string) float64 { return feature(f, n) })
	return toClassification(l.head.Labels, l.head.predict(x)), nil
}

// linearSeverity 进程内线性六头分级
type linearSeverity struct {
	info  ModelInfo
	input *linearInput
	heads map[string]*LinearHead
}

func newLinearSeverity(m *Manifest) (*linearSeverity, error) {
	if m.Input != "" && m.Input != preprocess.HeartSoundVersion {
		return nil, fmt.Errorf("%w: model expects %s, pipeline is %s", ErrInvalidArtifact, m.Input, preprocess.HeartSoundVersion)
	}
	in, err := newLinearInput(m, preprocess.HeartSoundFeatureNames())
	if err != nil {
		return nil, err
	}
	heads := make(map[string]*LinearHead, len(SeverityHeads))
	for _, sh := range SeverityHeads {
		h, ok := m.Heads[sh.Name]
		if !ok {
			return nil, fmt.Errorf("%w: missing severity head %q", ErrInvalidArtifact, sh.Name)
		}
		if err := h.compile(len(in.names), sh.Classes); err != nil {
			return nil, fmt.Errorf("head %s: %w", sh.Name, err)
		}
		heads[sh.Name] = &h
	}
	return &linearSeverity{info: m.info(), input: in, heads: heads}, nil
}

func (l *linearSeverity) Info() ModelInfo { return l.info }

func (l *linearSeverity) Grade(_ context.Context, f *preprocess.FeatureVector) (*SeverityGrades, error) {
	x := l.input.vector(func(n string) float64 { return feature(f, n) })
	g := &SeverityGrades{}
	for _, sh := range SeverityHeads {
		h := l.heads[sh.Name]
		c := toClassification(h.Labels, h.predict(x))
		g.set(sh.Name, models.ClassResult{Class: c.Label, Probabilities: c.Probabilities})
	}
	return g, nil
}

// linearElectrical 进程内线性心电分类器，输入为窗口派生特征
type linearElectrical struct {
	info  ModelInfo
	input *linearInput
	head  *LinearHead
}

func newLinearElectrical(m *Manifest) (*linearElectrical, error) {
	if m.Input != "" && m.Input != preprocess.ElectricalVersion {
		return nil, fmt.Errorf("%w: model expects %s, pipeline is %s", ErrInvalidArtifact, m.Input, preprocess.ElectricalVersion)
	}
	in, err := newLinearInput(m, ElectricalFeatureNames())
	if err != nil {
		return nil, err
	}
	if m.Head == nil {
		return nil, fmt.Errorf("%w: missing head", ErrInvalidArtifact)
	}
	if err := m.Head.compile(len(in.names), ElectricalLabels); err != nil {
		return nil, err
	}
	return &linearElectrical{info: m.info(), input: in, head: m.Head}, nil
}

func (l *linearElectrical) Info() ModelInfo { return l.info }

func (l *linearElectrical) Classify(_ context.Context, w *preprocess.ElectricalWindow) (*Classification, error) {
	values := ElectricalFeatures(w)
	idx := make(map[string]float64, len(values))
	for i, n := range ElectricalFeatureNames() {
		idx[n] = values[i]
	}
	x := l.input.vector(func(n string) float64 { return idx[n] })
	return toClassification(l.head.Labels, l.head.predict(x)), nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			return false
		}
	}
	return true
}
