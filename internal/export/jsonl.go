package export

import (
	"context"
	"encoding/json"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// JSONLSink appends one JSON object per line to a size-rotated file.
type JSONLSink struct {
	mu  sync.Mutex
	out *lumberjack.Logger
	enc *json.Encoder
}

// NewJSONLSink opens path for appending. maxSizeMB and maxBackups default to
// 100 MB and 5 files when zero.
func NewJSONLSink(path string, maxSizeMB, maxBackups int) (*JSONLSink, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	return &JSONLSink{out: out, enc: enc}, nil
}

func (s *JSONLSink) Write(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(r)
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}
