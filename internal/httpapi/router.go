package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	rediscommon "wisefido-cardio/common/redis"
	"wisefido-cardio/internal/inference"
	"wisefido-cardio/internal/models"
	"wisefido-cardio/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthReport /healthz 响应体
type HealthReport struct {
	Healthy         bool                           `json:"healthy"`
	BrokerConnected bool                           `json:"broker_connected"`
	DemoMode        bool                           `json:"demo_mode"`
	Models          map[string]inference.ModelInfo `json:"models"`
	ActiveSessions  int                            `json:"active_sessions"`
	InferencePool   worker.PoolStats               `json:"inference_pool"`
}

// HealthSource 健康状态来源
type HealthSource interface {
	Health(ctx context.Context) *HealthReport
}

// SessionLister 活跃会话只读视图
type SessionLister interface {
	ActiveCount() int
	Summaries(ctx context.Context) []models.SessionSummary
}

// LiveCache 最新遥测快照缓存
type LiveCache interface {
	Latest(ctx context.Context, tenantID, sessionID string) (*models.LiveMetric, error)
}

// SessionRecords 已落库会话
type SessionRecords interface {
	GetSession(ctx context.Context, tenantID, sessionID string) (*models.Session, error)
}

// PredictionCounter 已完成预测计数
type PredictionCounter interface {
	CountCompletedPredictions(ctx context.Context, tenantID, sessionID string) (int, error)
}

// DeviceLastSeen 设备最后在线时间
type DeviceLastSeen interface {
	LastSeen(ctx context.Context, tenantID, deviceID string) (time.Time, error)
}

// DeviceStatus /api/v1/devices/{tenantID}/{deviceID} 响应体
type DeviceStatus struct {
	TenantID string    `json:"tenant_id"`
	DeviceID string    `json:"device_id"`
	LastSeen time.Time `json:"last_seen"`
}

// Deps 路由依赖；Devices、Live 与 LiveSocket 可为空
type Deps struct {
	Health      HealthSource
	Sessions    SessionLister
	Records     SessionRecords
	Predictions PredictionCounter
	Devices     DeviceLastSeen
	Live        LiveCache
	LiveSocket  http.HandlerFunc
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
}

// SessionDetail 单个会话的持久化状态
type SessionDetail struct {
	Session              *models.Session `json:"session"`
	CompletedPredictions int             `json:"completed_predictions"`
}

// SessionsResponse /api/v1/sessions 响应体
type SessionsResponse struct {
	ActiveSessions int                     `json:"active_sessions"`
	Sessions       []models.SessionSummary `json:"sessions"`
}

// NewRouter 注册全部路由
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		report := d.Health.Health(req.Context())
		status := http.StatusOK
		if !report.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	})

	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1/sessions", func(api chi.Router) {
		api.Get("/", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, Ok(SessionsResponse{
				ActiveSessions: d.Sessions.ActiveCount(),
				Sessions:       d.Sessions.Summaries(req.Context()),
			}))
		})
		api.Get("/{tenantID}/{sessionID}", func(w http.ResponseWriter, req *http.Request) {
			tenantID, sessionID := chi.URLParam(req, "tenantID"), chi.URLParam(req, "sessionID")
			sess, err := d.Records.GetSession(req.Context(), tenantID, sessionID)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
				return
			}
			if sess == nil {
				writeJSON(w, http.StatusNotFound, Fail("session not found"))
				return
			}
			n, err := d.Predictions.CountCompletedPredictions(req.Context(), tenantID, sessionID)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
				return
			}
			writeJSON(w, http.StatusOK, Ok(SessionDetail{Session: sess, CompletedPredictions: n}))
		})
		api.Get("/{tenantID}/{sessionID}/live", func(w http.ResponseWriter, req *http.Request) {
			if d.Live == nil {
				writeJSON(w, http.StatusServiceUnavailable, Fail("live cache unavailable"))
				return
			}
			m, err := d.Live.Latest(req.Context(), chi.URLParam(req, "tenantID"), chi.URLParam(req, "sessionID"))
			switch {
			case errors.Is(err, rediscommon.ErrCacheMiss):
				writeJSON(w, http.StatusNotFound, Fail("no live data for session"))
			case err != nil:
				writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
			default:
				writeJSON(w, http.StatusOK, Ok(m))
			}
		})
	})

	r.Get("/api/v1/devices/{tenantID}/{deviceID}", func(w http.ResponseWriter, req *http.Request) {
		if d.Devices == nil {
			writeJSON(w, http.StatusServiceUnavailable, Fail("device tracking unavailable"))
			return
		}
		tenantID, deviceID := chi.URLParam(req, "tenantID"), chi.URLParam(req, "deviceID")
		at, err := d.Devices.LastSeen(req.Context(), tenantID, deviceID)
		switch {
		case errors.Is(err, rediscommon.ErrCacheMiss):
			writeJSON(w, http.StatusNotFound, Fail("device not seen"))
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
		default:
			writeJSON(w, http.StatusOK, Ok(DeviceStatus{TenantID: tenantID, DeviceID: deviceID, LastSeen: at}))
		}
	})

	r.Get("/ws/live", func(w http.ResponseWriter, req *http.Request) {
		if d.LiveSocket == nil {
			writeJSON(w, http.StatusServiceUnavailable, Fail("live feed unavailable"))
			return
		}
		if req.URL.Query().Get("session_id") == "" {
			writeJSON(w, http.StatusBadRequest, Fail("session_id is required"))
			return
		}
		d.LiveSocket(w, req)
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
