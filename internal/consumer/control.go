package consumer

import (
	"encoding/json"
	"errors"
	"fmt"

	"wisefido-cardio/internal/models"
)

// ErrInvalidPayload 控制消息无法解析或与地址不一致
var ErrInvalidPayload = errors.New("invalid control payload")

// ParseControl 解析 meta 通道上的 JSON 控制消息；session_id 为空时取地址中的会话
func ParseControl(payload []byte, addr Address) (models.ControlMessage, error) {
	var msg models.ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, ok := msg.Modality(); !ok {
		return msg, fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, msg.Type)
	}
	if msg.SessionID == "" {
		msg.SessionID = addr.Key.SessionID
	}
	if msg.SessionID != addr.Key.SessionID {
		return msg, fmt.Errorf("%w: session_id %q does not match topic session %q", ErrInvalidPayload, msg.SessionID, addr.Key.SessionID)
	}
	if msg.SampleRateHz < 0 || msg.Channels < 0 || msg.TargetDurationSec < 0 {
		return msg, fmt.Errorf("%w: negative parameter", ErrInvalidPayload)
	}
	return msg, nil
}
