package inference

import (
	"errors"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Models 当前加载的三个模型
type Models struct {
	HeartSound HeartSoundClassifier
	Severity   SeverityGrader
	Electrical ElectricalClassifier
}

// Status 每个模型的身份信息，供健康检查展示
func (m *Models) Status() map[string]ModelInfo {
	return map[string]ModelInfo{
		"heart_sound_classifier": m.HeartSound.Info(),
		"murmur_severity":        m.Severity.Info(),
		"electrical_classifier":  m.Electrical.Info(),
	}
}

// AnyPlaceholder 是否有模型以 placeholder 运行
func (m *Models) AnyPlaceholder() bool {
	for _, info := range m.Status() {
		if info.Placeholder {
			return true
		}
	}
	return false
}

// LoadModels 从 dir 读取模型清单
// 任一模型缺失或非法时该模型降级为 placeholder 并记录原因，服务照常运行；demoMode 下全部使用 placeholder
func LoadModels(dir string, demoMode bool, httpTimeout time.Duration, logger *zap.Logger) *Models {
	if demoMode {
		logger.Warn("Demo mode enabled, all models run as placeholders")
		return &Models{
			HeartSound: NewPlaceholderHeartSound("demo_mode"),
			Severity:   NewPlaceholderSeverity("demo_mode"),
			Electrical: NewPlaceholderElectrical("demo_mode"),
		}
	}

	m := &Models{}

	if man, err := readManifest(filepath.Join(dir, HeartSoundManifest)); err == nil {
		m.HeartSound, err = buildHeartSound(man, httpTimeout)
		if err != nil {
			m.HeartSound = NewPlaceholderHeartSound(fallbackReason(err))
			logFallback(logger, HeartSoundManifest, err)
		}
	} else {
		m.HeartSound = NewPlaceholderHeartSound(fallbackReason(err))
		logFallback(logger, HeartSoundManifest, err)
	}

	if man, err := readManifest(filepath.Join(dir, SeverityManifest)); err == nil {
		m.Severity, err = buildSeverity(man, httpTimeout)
		if err != nil {
			m.Severity = NewPlaceholderSeverity(fallbackReason(err))
			logFallback(logger, SeverityManifest, err)
		}
	} else {
		m.Severity = NewPlaceholderSeverity(fallbackReason(err))
		logFallback(logger, SeverityManifest, err)
	}

	if man, err := readManifest(filepath.Join(dir, ElectricalManifest)); err == nil {
		m.Electrical, err = buildElectrical(man, httpTimeout)
		if err != nil {
			m.Electrical = NewPlaceholderElectrical(fallbackReason(err))
			logFallback(logger, ElectricalManifest, err)
		}
	} else {
		m.Electrical = NewPlaceholderElectrical(fallbackReason(err))
		logFallback(logger, ElectricalManifest, err)
	}

	for name, info := range m.Status() {
		logger.Info("Model loaded",
			zap.String("slot", name),
			zap.String("model", info.Name),
			zap.String("version", info.Version),
			zap.String("kind", info.Kind),
			zap.Bool("placeholder", info.Placeholder),
		)
	}
	return m
}

func buildHeartSound(m *Manifest, timeout time.Duration) (HeartSoundClassifier, error) {
	if m.Kind == KindHTTP {
		return httpHeartSound{newHTTPBackend(m, timeout)}, nil
	}
	return newLinearHeartSound(m)
}

func buildSeverity(m *Manifest, timeout time.Duration) (SeverityGrader, error) {
	if m.Kind == KindHTTP {
		return httpSeverity{newHTTPBackend(m, timeout)}, nil
	}
	return newLinearSeverity(m)
}

func buildElectrical(m *Manifest, timeout time.Duration) (ElectricalClassifier, error) {
	if m.Kind == KindHTTP {
		return httpElectrical{newHTTPBackend(m, timeout)}, nil
	}
	return newLinearElectrical(m)
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrModelUnavailable):
		return "artifact_missing"
	case errors.Is(err, ErrInvalidArtifact):
		return "artifact_invalid"
	default:
		return "load_failed"
	}
}

func logFallback(logger *zap.Logger, manifest string, err error) {
	logger.Warn("Model artifact not usable, falling back to placeholder",
		zap.String("manifest", manifest),
		zap.String("reason", fallbackReason(err)),
		zap.Error(err),
	)
}
