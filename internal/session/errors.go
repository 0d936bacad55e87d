package session

import (
	"errors"
)

var (
	ErrUnknownSession  = errors.New("unknown session")
	ErrSessionTerminal = errors.New("session already terminal")
	ErrNotStreaming    = errors.New("session not streaming")
	ErrBufferNotOpen   = errors.New("modality buffer not open")
	ErrModalityEnded   = errors.New("modality already ended")
	ErrBufferOverflow  = errors.New("buffer duration bound exceeded")
	ErrMisalignedChunk = errors.New("chunk length not a multiple of frame width")
	ErrInvalidControl  = errors.New("invalid control message")
	ErrMailboxFull     = errors.New("session mailbox full")
	ErrManagerStopped  = errors.New("session manager stopped")
)

// DropReason 丢弃原因（metrics 标签）
func DropReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, ErrSessionTerminal):
		return "session_terminal"
	case errors.Is(err, ErrNotStreaming):
		return "not_streaming"
	case errors.Is(err, ErrBufferNotOpen):
		return "buffer_not_open"
	case errors.Is(err, ErrModalityEnded):
		return "modality_ended"
	case errors.Is(err, ErrBufferOverflow):
		return "buffer_overflow"
	case errors.Is(err, ErrMisalignedChunk):
		return "misaligned_chunk"
	case errors.Is(err, ErrInvalidControl):
		return "invalid_control"
	case errors.Is(err, ErrMailboxFull):
		return "mailbox_full"
	case errors.Is(err, ErrManagerStopped):
		return "manager_stopped"
	default:
		return "other"
	}
}
