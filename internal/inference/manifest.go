package inference

import (
	"encoding/json"
	"fmt"
	"os"
)

// 模型清单文件名
const (
	HeartSoundManifest = "heart_sound_classifier.json"
	SeverityManifest   = "murmur_severity.json"
	ElectricalManifest = "electrical_classifier.json"
)

// 清单 kind
const (
	KindLinear = "linear"
	KindHTTP   = "http"
)

// Manifest 模型清单：linear 在进程内求值，http 转发到外部模型服务
type Manifest struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Input   string `json:"input"` // 期望的预处理版本

	// linear
	Features []string              `json:"features,omitempty"`
	Mean     []float64             `json:"mean,omitempty"`
	Scale    []float64             `json:"scale,omitempty"`
	Head     *LinearHead           `json:"head,omitempty"`  // 单头分类器
	Heads    map[string]LinearHead `json:"heads,omitempty"` // 杂音分级六头

	// http
	Endpoint string `json:"endpoint,omitempty"`
}

// readManifest 读取并做基础校验
func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArtifact, path, err)
	}
	if m.Name == "" || m.Version == "" {
		return nil, fmt.Errorf("%w: %s: name and version are required", ErrInvalidArtifact, path)
	}
	switch m.Kind {
	case KindLinear:
	case KindHTTP:
		if m.Endpoint == "" {
			return nil, fmt.Errorf("%w: %s: http model needs endpoint", ErrInvalidArtifact, path)
		}
	default:
		return nil, fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidArtifact, path, m.Kind)
	}
	return &m, nil
}

func (m *Manifest) info() ModelInfo {
	return ModelInfo{Name: m.Name, Version: m.Version, Kind: m.Kind}
}
