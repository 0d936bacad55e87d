package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"wisefido-cardio/common/database"
	"wisefido-cardio/internal/models"

	"go.uber.org/zap"
)

// ResultBatch 一个会话 finalize 后需要落库的全部结果
type ResultBatch struct {
	Recordings  []models.Recording
	Predictions []models.Prediction
	Severities  []models.MurmurSeverity
}

// SaveSummary 落库统计
type SaveSummary struct {
	Recordings         int
	Predictions        int
	SkippedPredictions int // 已存在 completed 的 (session, model, version)
	Severities         int
}

// ResultRepository 录音/预测/杂音分级仓库
type ResultRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewResultRepository 创建结果仓库
func NewResultRepository(db *sql.DB, logger *zap.Logger) *ResultRepository {
	return &ResultRepository{
		db:     db,
		logger: logger,
	}
}

// SaveResults 在一个事务中写入录音、预测与杂音分级
// 同一 (tenant, session, model, version) 已有 completed 预测时跳过该预测及其分级，保证重复 finalize 不产生新行
func (r *ResultRepository) SaveResults(ctx context.Context, batch *ResultBatch) (*SaveSummary, error) {
	summary := &SaveSummary{}
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		for i := range batch.Recordings {
			n, err := insertRecording(ctx, tx, &batch.Recordings[i])
			if err != nil {
				return err
			}
			summary.Recordings += n
		}

		skipped := make(map[string]bool)
		for i := range batch.Predictions {
			p := &batch.Predictions[i]
			inserted, err := insertPrediction(ctx, tx, p)
			if err != nil {
				return err
			}
			if !inserted {
				summary.SkippedPredictions++
				skipped[p.PredictionID] = true
				r.logger.Info("Completed prediction already exists, skipping",
					zap.String("session_id", p.Key.SessionID),
					zap.String("model_name", p.ModelName),
					zap.String("model_version", p.ModelVersion),
				)
				continue
			}
			summary.Predictions++
		}

		for i := range batch.Severities {
			s := &batch.Severities[i]
			if skipped[s.PredictionID] {
				continue
			}
			if err := insertSeverity(ctx, tx, s); err != nil {
				return err
			}
			summary.Severities++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func insertRecording(ctx context.Context, tx *sql.Tx, rec *models.Recording) (int, error) {
	query := `
		INSERT INTO cardio_recordings (
			recording_id,
			tenant_id,
			device_id,
			session_id,
			modality,
			sample_rate_hz,
			sample_count,
			duration_sec,
			checksum,
			storage_ref,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, session_id, modality) DO NOTHING
	`

	res, err := tx.ExecContext(ctx, query,
		rec.RecordingID,
		rec.Key.TenantID,
		rec.Key.DeviceID,
		rec.Key.SessionID,
		string(rec.Modality),
		rec.SampleRateHz,
		rec.SampleCount,
		rec.DurationSec,
		rec.Checksum,
		rec.StorageRef,
		rec.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert recording: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func insertPrediction(ctx context.Context, tx *sql.Tx, p *models.Prediction) (bool, error) {
	query := `
		INSERT INTO cardio_predictions (
			prediction_id,
			tenant_id,
			device_id,
			session_id,
			modality,
			model_name,
			model_version,
			preprocess_version,
			placeholder,
			status,
			output,
			error,
			latency_ms,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (tenant_id, session_id, model_name, model_version) WHERE status = 'completed' DO NOTHING
		RETURNING prediction_id
	`

	var output interface{}
	if len(p.Output) > 0 {
		output = string(p.Output)
	}

	var id string
	err := tx.QueryRowContext(ctx, query,
		p.PredictionID,
		p.Key.TenantID,
		p.Key.DeviceID,
		p.Key.SessionID,
		string(p.Modality),
		p.ModelName,
		p.ModelVersion,
		p.PreprocessVersion,
		p.Placeholder,
		string(p.Status),
		output,
		p.Error,
		p.LatencyMs,
		p.CreatedAt,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert prediction: %w", err)
	}
	return true, nil
}

func insertSeverity(ctx context.Context, tx *sql.Tx, s *models.MurmurSeverity) error {
	query := `
		INSERT INTO cardio_murmur_severity (
			severity_id,
			prediction_id,
			tenant_id,
			session_id,
			model_name,
			model_version,
			placeholder,
			location,
			timing,
			shape,
			grading,
			pitch,
			quality,
			latency_ms,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (prediction_id) DO NOTHING
	`

	heads := []models.ClassResult{s.Location, s.Timing, s.Shape, s.Grading, s.Pitch, s.Quality}
	encoded := make([]interface{}, len(heads))
	for i, h := range heads {
		b, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("failed to marshal severity head: %w", err)
		}
		encoded[i] = string(b)
	}

	_, err := tx.ExecContext(ctx, query,
		s.SeverityID,
		s.PredictionID,
		s.Key.TenantID,
		s.Key.SessionID,
		s.ModelName,
		s.ModelVersion,
		s.Placeholder,
		encoded[0], encoded[1], encoded[2], encoded[3], encoded[4], encoded[5],
		s.LatencyMs,
		s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert murmur severity: %w", err)
	}
	return nil
}

// CountCompletedPredictions 统计会话已完成的预测数（会话 ID 只在租户内唯一）
func (r *ResultRepository) CountCompletedPredictions(ctx context.Context, tenantID, sessionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cardio_predictions WHERE tenant_id = $1 AND session_id = $2 AND status = 'completed'`,
		tenantID, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count predictions: %w", err)
	}
	return n, nil
}
