package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Entry is one audit record: a connection event, a transfer outcome, or an
// epoch transition. Timestamps are UTC RFC3339Nano, set by the logger.
type Entry struct {
	TS       string `json:"ts"`
	Event    string `json:"event"`
	UniqueID string `json:"unique_id,omitempty"`
	PlayerID string `json:"player_id,omitempty"`
	Channel  string `json:"channel,omitempty"`
	ConnID   uint64 `json:"conn_id,omitempty"`
	Epoch    int64  `json:"epoch,omitempty"`
	MapID    string `json:"map_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Event names as they appear in the audit stream.
const (
	EventConnect       = "connect"
	EventIdentify      = "identify"
	EventDisconnect    = "disconnect"
	EventTransferDone  = "transfer_complete"
	EventTransferFail  = "transfer_failed"
	EventEpochComplete = "epoch_complete"
	EventEpochFailed   = "epoch_failed"
	EventViolation     = "protocol_violation"
	EventKick          = "kick"
)

// JSONLZstdWriter appends JSON lines to an hourly-rotated zstd stream.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// AuditLogger writes session and epoch audit entries (compressed). A nil
// logger is a valid no-op, so callers never need to branch on -disable_audit.
type AuditLogger struct{ w *JSONLZstdWriter }

func NewAuditLogger(dataDir string) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "audit"), "audit")}
}

func (l *AuditLogger) Write(e Entry) error {
	if l == nil {
		return nil
	}
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return l.w.Write(e)
}

func (l *AuditLogger) Close() error {
	if l == nil {
		return nil
	}
	return l.w.Close()
}
