package inference

import (
	"context"
	"fmt"
	"time"

	"wisefido-cardio/internal/models"
	"wisefido-cardio/internal/preprocess"

	"github.com/go-resty/resty/v2"
)

// httpRequest 外部模型服务请求体
type httpRequest struct {
	Model    string             `json:"model"`
	Version  string             `json:"version"`
	Input    string             `json:"input"`
	Features map[string]float64 `json:"features,omitempty"`
	Samples  []float64          `json:"samples,omitempty"`
	Rate     int                `json:"sample_rate_hz,omitempty"`
}

// httpClassifyResponse 分类响应：只需返回各标签概率
type httpClassifyResponse struct {
	Probabilities map[string]float64 `json:"probabilities"`
	Error         string             `json:"error,omitempty"`
}

// httpGradeResponse 分级响应：每个头一组概率
type httpGradeResponse struct {
	Heads map[string]map[string]float64 `json:"heads"`
	Error string                        `json:"error,omitempty"`
}

type httpBackend struct {
	info     ModelInfo
	input    string
	endpoint string
	client   *resty.Client
}

func newHTTPBackend(m *Manifest, timeout time.Duration) *httpBackend {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &httpBackend{info: m.info(), input: m.Input, endpoint: m.Endpoint, client: client}
}

func (b *httpBackend) Info() ModelInfo { return b.info }

func (b *httpBackend) post(ctx context.Context, req *httpRequest, result any) error {
	req.Model = b.info.Name
	req.Version = b.info.Version
	req.Input = b.input
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(result).
		Post(b.endpoint)
	if err != nil {
		return fmt.Errorf("failed to call model endpoint: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("model endpoint returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (b *httpBackend) classify(ctx context.Context, req *httpRequest, labels []string) (*Classification, error) {
	var out httpClassifyResponse
	if err := b.post(ctx, req, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("model error: %s", out.Error)
	}
	probs, err := orderedProbs(out.Probabilities, labels)
	if err != nil {
		return nil, err
	}
	return toClassification(labels, probs), nil
}

// orderedProbs 按标签顺序取概率；缺少任何标签视为非法响应
func orderedProbs(m map[string]float64, labels []string) ([]float64, error) {
	probs := make([]float64, len(labels))
	for i, l := range labels {
		p, ok := m[l]
		if !ok {
			return nil, fmt.Errorf("model response missing label %q", l)
		}
		probs[i] = p
	}
	return probs, nil
}

type httpHeartSound struct{ *httpBackend }

func (h httpHeartSound) Classify(ctx context.Context, f *preprocess.FeatureVector) (*Classification, error) {
	return h.classify(ctx, &httpRequest{Features: featureMap(f)}, PrimaryLabels)
}

type httpSeverity struct{ *httpBackend }

func (h httpSeverity) Grade(ctx context.Context, f *preprocess.FeatureVector) (*SeverityGrades, error) {
	var out httpGradeResponse
	if err := h.post(ctx, &httpRequest{Features: featureMap(f)}, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("model error: %s", out.Error)
	}
	g := &SeverityGrades{}
	for _, sh := range SeverityHeads {
		probs, err := orderedProbs(out.Heads[sh.Name], sh.Classes)
		if err != nil {
			return nil, fmt.Errorf("head %s: %w", sh.Name, err)
		}
		c := toClassification(sh.Classes, probs)
		g.set(sh.Name, models.ClassResult{Class: c.Label, Probabilities: c.Probabilities})
	}
	return g, nil
}

type httpElectrical struct{ *httpBackend }

func (h httpElectrical) Classify(ctx context.Context, w *preprocess.ElectricalWindow) (*Classification, error) {
	return h.classify(ctx, &httpRequest{Samples: w.Samples, Rate: w.SampleRateHz}, ElectricalLabels)
}

func featureMap(f *preprocess.FeatureVector) map[string]float64 {
	m := make(map[string]float64, len(f.Names))
	for i, n := range f.Names {
		m[n] = f.Values[i]
	}
	return m
}
