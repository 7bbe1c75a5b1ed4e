// Package trace records what the agent tried and why it failed, one JSON object per
// line, zstd-compressed and rotated hourly.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	KindStageStart    = "STAGE_START"
	KindStageResult   = "STAGE_RESULT"
	KindTargetSkipped = "TARGET_SKIPPED"
	KindTargetFailed  = "TARGET_FAILED"
	KindActed         = "ACTED"
	KindDrift         = "DRIFT"
	KindOutcome       = "OUTCOME"
)

type Event struct {
	Time    time.Time `json:"time"`
	Op      string    `json:"op"` // "achieve" or "retrieve"
	Kind    string    `json:"kind"`
	Stage   string    `json:"stage,omitempty"`
	Target  *[3]int   `json:"target,omitempty"`
	Item    string    `json:"item,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Path    string    `json:"path,omitempty"`
	Request string    `json:"request,omitempty"`
}

// Sink receives trace events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ev Event) error
}

// Emit stamps and forwards ev to s; a nil Sink drops it.
func Emit(s Sink, ev Event) {
	if s == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	_ = s.Record(ev)
}

func Pos(p [3]int) *[3]int { return &p }

type Recorder struct {
	baseDir string
	prefix  string
	now     func() time.Time
	logger  *log.Logger

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	// failing is set after a write error until the next successful write.
	failing bool
}

// NewRecorder writes under baseDir. Write failures are logged to logger once per
// failing streak; a nil logger keeps them silent.
func NewRecorder(baseDir string, logger *log.Logger) *Recorder {
	return &Recorder{baseDir: baseDir, prefix: "trace", now: time.Now, logger: logger}
}

func (r *Recorder) Record(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.writeLocked(ev)
	switch {
	case err != nil && !r.failing:
		r.failing = true
		r.printf("[trace] write failed, dropping events until it recovers: %v", err)
	case err == nil && r.failing:
		r.failing = false
		r.printf("[trace] writes recovered")
	}
	return err
}

func (r *Recorder) writeLocked(ev Event) error {
	hour := r.now().UTC().Format("2006-01-02-15")
	if hour != r.curHour {
		if err := r.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := r.w.Write(b); err != nil {
		return err
	}
	if err := r.w.WriteByte('\n'); err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Recorder) rotateLocked(hour string) error {
	if err := r.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(r.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	r.f = f
	r.enc = enc
	r.w = bufio.NewWriterSize(enc, 32*1024)
	r.curHour = hour
	return nil
}

func (r *Recorder) closeLocked() error {
	var err error
	if r.w != nil {
		_ = r.w.Flush()
	}
	if r.enc != nil {
		err = r.enc.Close()
		r.enc = nil
	}
	if r.f != nil {
		_ = r.f.Close()
		r.f = nil
	}
	r.w = nil
	r.curHour = ""
	return err
}

func (r *Recorder) printf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

func (r *Recorder) pathForHour(hour string) string {
	return filepath.Join(r.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", r.prefix, hour))
}

// ReadFile decodes every event in a trace file.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Event
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return out, fmt.Errorf("trace line %d: %w", len(out)+1, err)
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}
