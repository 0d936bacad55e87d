package preprocess

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrUnsupportedFormat 未知的采样编码
	ErrUnsupportedFormat = errors.New("unsupported sample format")
	// ErrEmptySignal 信号为空
	ErrEmptySignal = errors.New("empty signal")
)

// SampleWidth 返回编码对应的单样本字节数（小端有符号整数）
func SampleWidth(format string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "s16le", "pcm_s16le", "int16", "pcm16", "s16":
		return 2, nil
	case "s32le", "pcm_s32le", "int32", "pcm32", "s32":
		return 4, nil
	case "s8", "pcm_s8", "int8":
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// DecodePCM 将小端有符号整数 PCM 解码为 [-1, 1] 浮点序列
// channels > 1 时按交织帧取平均下混为单声道；不完整的尾帧被丢弃
func DecodePCM(raw []byte, format string, channels int) ([]float64, error) {
	width, err := SampleWidth(format)
	if err != nil {
		return nil, err
	}
	if channels <= 0 {
		channels = 1
	}

	frameBytes := width * channels
	frames := len(raw) / frameBytes
	out := make([]float64, frames)

	var scale float64
	switch width {
	case 1:
		scale = 1 << 7
	case 2:
		scale = 1 << 15
	case 4:
		scale = 1 << 31
	}

	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			off := i*frameBytes + ch*width
			var v int64
			switch width {
			case 1:
				v = int64(int8(raw[off]))
			case 2:
				v = int64(int16(binary.LittleEndian.Uint16(raw[off:])))
			case 4:
				v = int64(int32(binary.LittleEndian.Uint32(raw[off:])))
			}
			sum += float64(v) / scale
		}
		out[i] = sum / float64(channels)
	}
	return out, nil
}

// EncodeS16LE 将 [-1, 1] 浮点序列编码为 s16le（模拟器与测试使用）
func EncodeS16LE(samples []float64) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		s = math.Max(-1, math.Min(1, s))
		v := int16(math.Round(s * 32767))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// Resample 线性插值重采样（确定性）
func Resample(x []float64, from, to int) []float64 {
	if from <= 0 || to <= 0 || len(x) == 0 {
		return nil
	}
	if from == to {
		out := make([]float64, len(x))
		copy(out, x)
		return out
	}

	n := int(int64(len(x)) * int64(to) / int64(from))
	if n < 1 {
		n = 1
	}
	out := make([]float64, n)
	ratio := float64(from) / float64(to)
	last := len(x) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = x[last]
			continue
		}
		frac := pos - float64(idx)
		out[i] = x[idx]*(1-frac) + x[idx+1]*frac
	}
	return out
}
