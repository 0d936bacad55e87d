package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"wisefido-cardio/internal/models"

	"go.uber.org/zap"
)

// ErrInvalidSegment 路径段非法（空、"."、".." 等）
var ErrInvalidSegment = errors.New("invalid storage path segment")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Blob 待存储的录音
type Blob struct {
	Key          models.SessionKey
	Modality     models.Modality
	SampleRateHz int
	Channels     int
	SampleWidth  int // 字节
	PCM          []byte
}

// StoredBlob 存储结果
type StoredBlob struct {
	StorageRef string
	Checksum   string // 原始 PCM 的 sha256 十六进制
	Bytes      int64
}

// FileStore 以 WAV 文件保存录音，storage_ref 为 file:// 路径
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore 创建文件存储
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage dir: %w", err)
	}
	return &FileStore{dir: abs, logger: logger}, nil
}

// Put 写入录音；同一会话同一模态重复写入会覆盖为相同内容
func (s *FileStore) Put(ctx context.Context, blob *Blob) (*StoredBlob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	segments := []string{blob.Key.TenantID, blob.Key.DeviceID, blob.Key.SessionID}
	for i, seg := range segments {
		clean, err := sanitize(seg)
		if err != nil {
			return nil, err
		}
		segments[i] = clean
	}
	dir := filepath.Join(append([]string{s.dir}, segments...)...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(44 + len(blob.PCM))
	if err := writeWAV(&buf, blob.PCM, blob.SampleRateHz, blob.Channels, blob.SampleWidth*8); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, string(blob.Modality)+".wav")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write recording: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to commit recording: %w", err)
	}

	sum := sha256.Sum256(blob.PCM)
	s.logger.Debug("Recording stored",
		zap.String("session_id", blob.Key.SessionID),
		zap.String("modality", string(blob.Modality)),
		zap.String("path", path),
		zap.Int("bytes", len(blob.PCM)),
	)
	return &StoredBlob{
		StorageRef: "file://" + filepath.ToSlash(path),
		Checksum:   hex.EncodeToString(sum[:]),
		Bytes:      int64(len(blob.PCM)),
	}, nil
}

// open 根据 storage_ref 读取录音的 PCM 数据与采样率
func (s *FileStore) open(ref string) (pcm []byte, sampleRate, channels int, err error) {
	path := filepath.FromSlash(strings.TrimPrefix(ref, "file://"))
	if !strings.HasPrefix(path, s.dir+string(filepath.Separator)) {
		return nil, 0, 0, fmt.Errorf("storage ref outside store: %s", ref)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read recording: %w", err)
	}
	r := bytes.NewReader(data)
	rate, ch, bits, n, err := readWAVHeader(r)
	if err != nil {
		return nil, 0, 0, err
	}
	pcm = data[len(data)-r.Len():]
	if int(n) < len(pcm) {
		pcm = pcm[:n]
	}
	if bits == 8 {
		out := make([]byte, len(pcm))
		for i, b := range pcm {
			out[i] = b ^ 0x80
		}
		pcm = out
	}
	return pcm, rate, ch, nil
}

// sanitize 把 id 映射为安全的路径段；发生替换时追加原始 id 的短哈希，保证不同 id 不会落到同一目录
func sanitize(seg string) (string, error) {
	clean := unsafeChars.ReplaceAllString(seg, "_")
	if clean == "" || strings.Trim(clean, ".") == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidSegment, seg)
	}
	if clean != seg {
		sum := sha256.Sum256([]byte(seg))
		clean += "-" + hex.EncodeToString(sum[:4])
	}
	return clean, nil
}
