// cardio-simulator 通过 MQTT 发布一个合成的心音/心电会话，用于在 demo 模式下端到端联调
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"time"

	"wisefido-cardio/common/logger"
	"wisefido-cardio/common/mqtt"
	"wisefido-cardio/internal/config"
	"wisefido-cardio/internal/consumer"
	"wisefido-cardio/internal/models"
	"wisefido-cardio/internal/preprocess"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type options struct {
	tenant    string
	device    string
	session   string
	modality  string
	duration  float64
	chunkMs   int
	hsRate    int
	ecgRate   int
	murmur    bool
	skipEnd   bool
	realtime  bool
	heartRate float64
}

func main() {
	_ = godotenv.Load()

	var o options
	flag.StringVar(&o.tenant, "tenant", "demo-tenant", "tenant id")
	flag.StringVar(&o.device, "device", "demo-device", "device id")
	flag.StringVar(&o.session, "session", "", "session id (default: random uuid)")
	flag.StringVar(&o.modality, "modality", "both", "heart-sound | electrical | both")
	flag.Float64Var(&o.duration, "duration", 10, "seconds of signal per modality")
	flag.IntVar(&o.chunkMs, "chunk-ms", 100, "chunk length in milliseconds")
	flag.IntVar(&o.hsRate, "hs-rate", 4000, "heart-sound sample rate")
	flag.IntVar(&o.ecgRate, "ecg-rate", 500, "electrical sample rate")
	flag.BoolVar(&o.murmur, "murmur", false, "add a systolic murmur to the heart-sound signal")
	flag.BoolVar(&o.skipEnd, "skip-end", false, "do not send end_* (exercise idle finalize)")
	flag.BoolVar(&o.realtime, "realtime", true, "pace chunks at their real duration")
	flag.Float64Var(&o.heartRate, "bpm", 72, "simulated heart rate")
	flag.Parse()

	if o.session == "" {
		o.session = uuid.New().String()
	}

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	log, err := logger.NewLogger(cfg.Log.Level, "console", "cardio-simulator")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	cfg.MQTT.ClientID = "cardio-simulator-" + uuid.New().String()[:8]
	client, err := mqtt.NewClient(&cfg.MQTT, log)
	if err != nil {
		log.Fatal("Failed to connect to mqtt broker", zap.Error(err))
	}
	defer client.Disconnect()

	key := models.SessionKey{TenantID: o.tenant, DeviceID: o.device, SessionID: o.session}
	sim := &simulator{opts: o, key: key, root: cfg.Cardio.TopicRoot, client: client, logger: log, controlQoS: cfg.MQTT.ControlQoS, dataQoS: cfg.MQTT.DataQoS}

	var streams []*stream
	if o.modality == "both" || o.modality == string(models.ModalityHeartSound) {
		streams = append(streams, sim.heartSound())
	}
	if o.modality == "both" || o.modality == string(models.ModalityElectrical) {
		streams = append(streams, sim.electrical())
	}
	if len(streams) == 0 {
		log.Fatal("Unknown modality", zap.String("modality", o.modality))
	}

	if err := sim.run(streams); err != nil {
		log.Fatal("Simulation failed", zap.Error(err))
	}
	log.Info("Simulation finished", zap.String("session_id", key.SessionID), zap.Bool("end_sent", !o.skipEnd))
}

type stream struct {
	modality models.Modality
	start    models.ControlMessage
	end      models.ControlType
	pcm      []byte
	chunk    int // 字节
}

type simulator struct {
	opts       options
	key        models.SessionKey
	root       string
	client     *mqtt.Client
	logger     *zap.Logger
	controlQoS byte
	dataQoS    byte
}

func (s *simulator) heartSound() *stream {
	rate := s.opts.hsRate
	n := int(s.opts.duration * float64(rate))
	beat := 60 / s.opts.heartRate
	rng := rand.New(rand.NewSource(1))
	x := make([]float64, n)
	for i := range x {
		t := float64(i) / float64(rate)
		phase := math.Mod(t, beat) / beat
		var v float64
		if phase < 0.1 {
			v += 0.6 * math.Sin(2*math.Pi*50*t) * math.Sin(math.Pi*phase/0.1)
		}
		if phase > 0.35 && phase < 0.43 {
			v += 0.45 * math.Sin(2*math.Pi*70*t) * math.Sin(math.Pi*(phase-0.35)/0.08)
		}
		if s.opts.murmur && phase > 0.1 && phase < 0.35 {
			v += 0.25 * (rng.Float64()*2 - 1)
		}
		x[i] = v + 0.01*(rng.Float64()*2-1)
	}
	samplesPerChunk := rate * s.opts.chunkMs / 1000
	return &stream{
		modality: models.ModalityHeartSound,
		start: models.ControlMessage{
			Type:              models.ControlStartHeartSound,
			SessionID:         s.key.SessionID,
			SampleRateHz:      rate,
			Format:            "s16le",
			Channels:          1,
			ChunkMs:           s.opts.chunkMs,
			ChunkSamples:      samplesPerChunk,
			TargetDurationSec: s.opts.duration,
		},
		end:   models.ControlEndHeartSound,
		pcm:   preprocess.EncodeS16LE(x),
		chunk: samplesPerChunk * 2,
	}
}

func (s *simulator) electrical() *stream {
	rate := s.opts.ecgRate
	n := int(s.opts.duration * float64(rate))
	beat := 60 / s.opts.heartRate
	x := make([]float64, n)
	for i := range x {
		t := float64(i) / float64(rate)
		phase := math.Mod(t, beat)
		x[i] = 0.05*math.Sin(2*math.Pi*0.3*t) +
			0.1*gauss(phase, 0.16, 0.025) -
			0.15*gauss(phase, 0.23, 0.008) +
			0.9*gauss(phase, 0.25, 0.01) -
			0.2*gauss(phase, 0.27, 0.008) +
			0.25*gauss(phase, 0.45, 0.04)
	}
	samplesPerChunk := rate * s.opts.chunkMs / 1000
	return &stream{
		modality: models.ModalityElectrical,
		start: models.ControlMessage{
			Type:              models.ControlStartElectrical,
			SessionID:         s.key.SessionID,
			SampleRateHz:      rate,
			Format:            "s16le",
			ChunkMs:           s.opts.chunkMs,
			ChunkSamples:      samplesPerChunk,
			TargetDurationSec: s.opts.duration,
		},
		end:   models.ControlEndElectrical,
		pcm:   preprocess.EncodeS16LE(x),
		chunk: samplesPerChunk * 2,
	}
}

func gauss(x, mu, sigma float64) float64 {
	d := (x - mu) / sigma
	return math.Exp(-0.5 * d * d)
}

func (s *simulator) control(msg models.ControlMessage) error {
	msg.TimestampMs = time.Now().UnixMilli()
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.client.Publish(consumer.SessionTopic(s.root, s.key, consumer.SegmentMeta), s.controlQoS, false, payload, 5*time.Second)
}

// run 先发 start，再交错发送各模态分片，最后发送 end
func (s *simulator) run(streams []*stream) error {
	for _, st := range streams {
		if err := s.control(st.start); err != nil {
			return fmt.Errorf("start %s: %w", st.modality, err)
		}
		s.logger.Info("Stream started", zap.String("modality", string(st.modality)), zap.Int("bytes", len(st.pcm)))
	}

	tick := time.Duration(s.opts.chunkMs) * time.Millisecond
	offsets := make([]int, len(streams))
	for {
		pending := false
		for i, st := range streams {
			if offsets[i] >= len(st.pcm) {
				continue
			}
			end := offsets[i] + st.chunk
			if end > len(st.pcm) {
				end = len(st.pcm)
			}
			topic := consumer.SessionTopic(s.root, s.key, string(st.modality))
			if err := s.client.Publish(topic, s.dataQoS, false, st.pcm[offsets[i]:end], 5*time.Second); err != nil {
				return fmt.Errorf("chunk %s: %w", st.modality, err)
			}
			offsets[i] = end
			pending = true
		}
		if !pending {
			break
		}
		if s.opts.realtime {
			time.Sleep(tick)
		}
	}

	if s.opts.skipEnd {
		return nil
	}
	for _, st := range streams {
		if err := s.control(models.ControlMessage{Type: st.end, SessionID: s.key.SessionID}); err != nil {
			return fmt.Errorf("end %s: %w", st.modality, err)
		}
	}
	return nil
}
