package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	rediscommon "wisefido-cardio/common/redis"
	"wisefido-cardio/internal/models"
	"wisefido-cardio/internal/preprocess"
	"wisefido-cardio/internal/session"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var liveKey = models.SessionKey{TenantID: "t1", DeviceID: "d1", SessionID: "s1"}

type fakeSource struct {
	views []*session.LiveView
}

func (f *fakeSource) LiveSnapshots(_ context.Context, window int) []*session.LiveView {
	return f.views
}

type fakeMQTT struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload []byte, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	return nil
}

type fakeStore struct {
	mu   sync.Mutex
	rows []*models.LiveMetric
}

func (f *fakeStore) InsertTelemetry(_ context.Context, m *models.LiveMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, m)
	return nil
}

func sineView(amp float64) *session.LiveView {
	samples := make([]float64, 256)
	for i := range samples {
		samples[i] = amp * math.Sin(2*math.Pi*float64(i)/32)
	}
	return &session.LiveView{
		Key:       liveKey,
		StartedAt: time.Now(),
		Buffers: []session.BufferTail{{
			Modality:     models.ModalityHeartSound,
			SampleRateHz: 4000,
			Format:       "s16le",
			Channels:     1,
			TotalSamples: 4000,
			FillRatio:    0.1,
			Tail:         preprocess.EncodeS16LE(samples),
		}},
	}
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestQuality(t *testing.T) {
	q := Quality([]float64{0, 0, 0, 0})
	assert.True(t, q.Flatline)
	assert.Zero(t, q.RMS)

	q = Quality([]float64{1, -1, 1, -1})
	assert.False(t, q.Flatline)
	assert.InDelta(t, 1.0, q.RMS, 1e-9)
	assert.InDelta(t, 1.0, q.ClippingRatio, 1e-9)
	assert.InDelta(t, 0, q.DCOffset, 1e-9)

	q = Quality([]float64{0.5, 0.5, 0.6, 0.4})
	assert.InDelta(t, 0.5, q.DCOffset, 1e-9)
	assert.Zero(t, q.ClippingRatio)

	assert.True(t, Quality(nil).Flatline)
}

func TestBuildLiveMetric(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := BuildLiveMetric(sineView(0.5), now)

	assert.Equal(t, liveKey, m.Key)
	assert.Equal(t, now, m.Timestamp)
	live, ok := m.Modalities[models.ModalityHeartSound]
	require.True(t, ok)
	assert.Len(t, live.Waveform, 256)
	assert.Equal(t, int64(4000), live.TotalSamples)
	assert.InDelta(t, 0.5/math.Sqrt2, live.Quality.RMS, 1e-3)
	assert.False(t, live.Quality.Flatline)
}

func TestPublisher_FanOut(t *testing.T) {
	_, client := setupRedis(t)
	kv := rediscommon.NewRedisKVStore(client)
	mq := &fakeMQTT{}
	store := &fakeStore{}

	p := NewPublisher(&fakeSource{views: []*session.LiveView{sineView(0.5)}}, Config{
		Interval:      time.Second,
		WindowSamples: 256,
		PersistEvery:  2,
	}, nil, zap.NewNop())
	cache := NewCacheSink(kv, 5*time.Second)
	p.AddSink(NewMQTTSink(mq, "wisefido", time.Second))
	p.AddSink(cache)
	p.AddPersistSink(NewStreamSink(client, "cardio:telemetry:stream", 100))
	p.AddPersistSink(NewRepositorySink(store))

	ctx := context.Background()
	assert.Equal(t, 1, p.Tick(ctx))

	require.Len(t, mq.topics, 1)
	assert.True(t, strings.HasSuffix(mq.topics[0], "/session/s1/live"), mq.topics[0])

	latest, err := cache.Latest(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, liveKey, latest.Key)

	// 第一个 tick 不追加
	n, err := client.XLen(ctx, "cardio:telemetry:stream").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.rows)

	p.Tick(ctx)
	n, err = client.XLen(ctx, "cardio:telemetry:stream").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.Len(t, store.rows, 1)

	entries, err := client.XRange(ctx, "cardio:telemetry:stream", "-", "+").Result()
	require.NoError(t, err)
	var streamed models.LiveMetric
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["data"].(string)), &streamed))
	assert.Nil(t, streamed.Modalities[models.ModalityHeartSound].Waveform)
}

func TestPublisher_SinkErrorDoesNotStopOthers(t *testing.T) {
	_, client := setupRedis(t)
	kv := rediscommon.NewRedisKVStore(client)
	mq := &fakeMQTT{err: errors.New("not connected")}

	p := NewPublisher(&fakeSource{views: []*session.LiveView{sineView(0.2)}}, Config{Interval: time.Second}, nil, zap.NewNop())
	cache := NewCacheSink(kv, time.Second)
	p.AddSink(NewMQTTSink(mq, "wisefido", time.Second))
	p.AddSink(cache)

	p.Tick(context.Background())
	_, err := cache.Latest(context.Background(), "t1", "s1")
	assert.NoError(t, err)
}

// stallSink 对 s1 一直阻塞到 ctx 结束，其余会话记录发布时 ctx 是否仍有效
type stallSink struct {
	mu        sync.Mutex
	delivered map[string]error
}

func (s *stallSink) Name() string { return "stall" }

func (s *stallSink) Publish(ctx context.Context, m *models.LiveMetric, _ []byte) error {
	if m.Key.SessionID == "s1" {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered[m.Key.SessionID] = ctx.Err()
	return nil
}

func TestPublisher_SlowSessionDoesNotStarveOthers(t *testing.T) {
	first := sineView(0.5)
	second := sineView(0.4)
	second.Key = models.SessionKey{TenantID: "t1", DeviceID: "d2", SessionID: "s2"}

	p := NewPublisher(&fakeSource{views: []*session.LiveView{first, second}}, Config{
		Interval:    time.Second,
		SinkTimeout: 50 * time.Millisecond,
	}, nil, zap.NewNop())
	sink := &stallSink{delivered: map[string]error{}}
	p.AddSink(sink)

	assert.Equal(t, 2, p.Tick(context.Background()))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	err, ok := sink.delivered["s2"]
	require.True(t, ok, "second session was not published")
	assert.NoError(t, err, "second session inherited the first session's expired deadline")
}

func TestCacheSink_Expires(t *testing.T) {
	mr, client := setupRedis(t)
	cache := NewCacheSink(rediscommon.NewRedisKVStore(client), 2*time.Second)
	m := BuildLiveMetric(sineView(0.3), time.Now())
	payload, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, cache.Publish(context.Background(), m, payload))

	mr.FastForward(3 * time.Second)
	_, err = cache.Latest(context.Background(), "t1", "s1")
	assert.ErrorIs(t, err, rediscommon.ErrCacheMiss)
}

func TestPublisher_StartStop(t *testing.T) {
	mq := &fakeMQTT{}
	p := NewPublisher(&fakeSource{views: []*session.LiveView{sineView(0.5)}}, Config{Interval: 10 * time.Millisecond}, nil, zap.NewNop())
	p.AddSink(NewMQTTSink(mq, "wisefido", time.Second))
	p.Start(context.Background())

	assert.Eventually(t, func() bool {
		mq.mu.Lock()
		defer mq.mu.Unlock()
		return len(mq.topics) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	p.Stop()
}

func TestHub_FiltersBySession(t *testing.T) {
	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?session_id=s1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	other := BuildLiveMetric(sineView(0.1), time.Now())
	other.Key.SessionID = "s2"
	mine := BuildLiveMetric(sineView(0.1), time.Now())
	for _, m := range []*models.LiveMetric{other, mine} {
		payload, err := json.Marshal(m)
		require.NoError(t, err)
		require.NoError(t, hub.Publish(context.Background(), m, payload))
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var got models.LiveMetric
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "s1", got.Key.SessionID)
}
