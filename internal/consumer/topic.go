package consumer

import (
	"errors"
	"fmt"
	"strings"

	"wisefido-cardio/internal/models"
)

// ErrInvalidTopic 主题无法解析为会话地址
var ErrInvalidTopic = errors.New("invalid topic")

// Kind 通道类型
type Kind string

const (
	KindControl        Kind = "control"
	KindHeartSoundData Kind = "heart-sound-data"
	KindElectricalData Kind = "electrical-data"
	KindHeartbeat      Kind = "heartbeat"
)

// 主题最后一段
const (
	SegmentMeta      = "meta"
	SegmentHeartbeat = "heartbeat"
	SegmentLive      = "live" // 出站遥测
)

var segmentKinds = map[string]Kind{
	SegmentMeta:                       KindControl,
	string(models.ModalityHeartSound): KindHeartSoundData,
	string(models.ModalityElectrical): KindElectricalData,
	SegmentHeartbeat:                  KindHeartbeat,
}

// Modality 数据通道对应的模态
func (k Kind) Modality() (models.Modality, bool) {
	switch k {
	case KindHeartSoundData:
		return models.ModalityHeartSound, true
	case KindElectricalData:
		return models.ModalityElectrical, true
	default:
		return "", false
	}
}

// Address 解析后的主题地址
type Address struct {
	Root string
	Key  models.SessionKey
	Kind Kind
}

// ParseTopic 解析 {root}/tenant/{t}/device/{d}/session/{s}/{kind}，root 可为空或多段
func ParseTopic(topic string) (Address, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 7 {
		return Address{}, fmt.Errorf("%w: %q has %d segments", ErrInvalidTopic, topic, len(parts))
	}
	n := len(parts) - 7
	tail := parts[n:]
	if tail[0] != "tenant" || tail[2] != "device" || tail[4] != "session" {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	for _, i := range []int{1, 3, 5} {
		if tail[i] == "" || tail[i] == "+" || tail[i] == "#" {
			return Address{}, fmt.Errorf("%w: empty or wildcard id in %q", ErrInvalidTopic, topic)
		}
	}
	kind, ok := segmentKinds[tail[6]]
	if !ok {
		return Address{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTopic, tail[6])
	}

	return Address{
		Root: strings.Join(parts[:n], "/"),
		Key: models.SessionKey{
			TenantID:  tail[1],
			DeviceID:  tail[3],
			SessionID: tail[5],
		},
		Kind: kind,
	}, nil
}

// SessionTopic 构造会话主题，segment 为 meta / heart-sound / electrical / heartbeat / live
func SessionTopic(root string, key models.SessionKey, segment string) string {
	t := fmt.Sprintf("tenant/%s/device/%s/session/%s/%s", key.TenantID, key.DeviceID, key.SessionID, segment)
	if root == "" {
		return t
	}
	return root + "/" + t
}

// SubscriptionTopic 订阅用通配主题
func SubscriptionTopic(root, segment string) string {
	return SessionTopic(root, models.SessionKey{TenantID: "+", DeviceID: "+", SessionID: "+"}, segment)
}
