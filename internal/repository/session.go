package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-cardio/internal/models"

	"go.uber.org/zap"
)

// SessionRepository 会话状态仓库
type SessionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSessionRepository 创建会话仓库
func NewSessionRepository(db *sql.DB, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		db:     db,
		logger: logger,
	}
}

// CreateSession 插入会话（重复投递的 start 控制消息不会产生第二行）
func (r *SessionRepository) CreateSession(ctx context.Context, s *models.Session) error {
	query := `
		INSERT INTO cardio_sessions (
			tenant_id,
			device_id,
			session_id,
			status,
			started_at,
			notes
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, session_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		s.Key.TenantID,
		s.Key.DeviceID,
		s.Key.SessionID,
		string(s.Status),
		s.StartedAt,
		s.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cardio session: %w", err)
	}
	return nil
}

// UpdateStatus 更新会话状态；已是 done / error 的行不会被修改
func (r *SessionRepository) UpdateStatus(ctx context.Context, key models.SessionKey, status models.SessionStatus, endedAt *time.Time, notes string) error {
	query := `
		UPDATE cardio_sessions
		SET status = $3,
		    ended_at = COALESCE($4, ended_at),
		    notes = CASE WHEN $5 = '' THEN notes ELSE $5 END,
		    updated_at = now()
		WHERE tenant_id = $1
		  AND session_id = $2
		  AND status NOT IN ('done', 'error')
	`

	var ended interface{}
	if endedAt != nil {
		ended = *endedAt
	}

	res, err := r.db.ExecContext(ctx, query,
		key.TenantID,
		key.SessionID,
		string(status),
		ended,
		notes,
	)
	if err != nil {
		return fmt.Errorf("failed to update cardio session status: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		r.logger.Debug("Session status update affected no rows",
			zap.String("session_id", key.SessionID),
			zap.String("status", string(status)),
		)
	}
	return nil
}

// GetSession 查询会话
func (r *SessionRepository) GetSession(ctx context.Context, tenantID, sessionID string) (*models.Session, error) {
	query := `
		SELECT tenant_id, device_id, session_id, status, started_at, ended_at, notes
		FROM cardio_sessions
		WHERE tenant_id = $1 AND session_id = $2
	`

	var (
		s       models.Session
		status  string
		endedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, tenantID, sessionID).Scan(
		&s.Key.TenantID,
		&s.Key.DeviceID,
		&s.Key.SessionID,
		&status,
		&s.StartedAt,
		&endedAt,
		&s.Notes,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query cardio session: %w", err)
	}
	s.Status = models.SessionStatus(status)
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	return &s, nil
}
