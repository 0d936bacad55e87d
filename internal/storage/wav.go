package storage

import (
	"encoding/binary"
	"fmt"
	"io"
)

// writeWAV 写入 PCM WAV（RIFF 头 + data 块），bitsPerSample 取 8/16/32
func writeWAV(w io.Writer, pcm []byte, sampleRate, channels, bitsPerSample int) error {
	if channels <= 0 {
		channels = 1
	}
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign
	dataLen := uint32(len(pcm))

	header := []interface{}{
		[4]byte{'R', 'I', 'F', 'F'},
		36 + dataLen,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(1), // PCM
		uint16(channels),
		uint32(sampleRate),
		uint32(byteRate),
		uint16(blockAlign),
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataLen,
	}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("failed to write wav header: %w", err)
		}
	}

	// WAV 的 8-bit PCM 是无符号的，设备发来的是有符号 s8
	if bitsPerSample == 8 {
		shifted := make([]byte, len(pcm))
		for i, b := range pcm {
			shifted[i] = b ^ 0x80
		}
		pcm = shifted
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("failed to write wav data: %w", err)
	}
	return nil
}

// readWAVHeader 读取 WAV 头，返回采样率、声道数、位深与 data 长度
func readWAVHeader(r io.Reader) (sampleRate, channels, bitsPerSample int, dataLen uint32, err error) {
	var h struct {
		Riff          [4]byte
		Size          uint32
		Wave          [4]byte
		Fmt           [4]byte
		FmtLen        uint32
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataLen       uint32
	}
	if err = binary.Read(r, binary.LittleEndian, &h); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("failed to read wav header: %w", err)
	}
	if string(h.Riff[:]) != "RIFF" || string(h.Wave[:]) != "WAVE" || string(h.Data[:]) != "data" {
		return 0, 0, 0, 0, fmt.Errorf("not a canonical PCM wav file")
	}
	return int(h.SampleRate), int(h.Channels), int(h.BitsPerSample), h.DataLen, nil
}
