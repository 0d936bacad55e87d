package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"wisefido-cardio/internal/models"

	"go.uber.org/zap"
)

// TelemetryRepository 遥测快照追加写
type TelemetryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTelemetryRepository 创建遥测仓库
func NewTelemetryRepository(db *sql.DB, logger *zap.Logger) *TelemetryRepository {
	return &TelemetryRepository{
		db:     db,
		logger: logger,
	}
}

// InsertTelemetry 插入一条遥测快照（波形不入库，只保留摘要指标）
func (r *TelemetryRepository) InsertTelemetry(ctx context.Context, m *models.LiveMetric) error {
	summary := make(map[models.Modality]models.ModalityLive, len(m.Modalities))
	for mod, live := range m.Modalities {
		live.Waveform = nil
		summary[mod] = live
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry payload: %w", err)
	}

	query := `
		INSERT INTO cardio_telemetry (tenant_id, device_id, session_id, ts, payload)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.db.ExecContext(ctx, query,
		m.Key.TenantID,
		m.Key.DeviceID,
		m.Key.SessionID,
		m.Timestamp,
		string(payload),
	); err != nil {
		return fmt.Errorf("failed to insert telemetry: %w", err)
	}
	return nil
}
