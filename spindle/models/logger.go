package models

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type LogKind string

const (
	// step output
	LogKindData LogKind = "data"
	// step start/end markers
	LogKindControl LogKind = "control"
)

type LogLine struct {
	Kind      LogKind     `json:"kind"`
	Time      time.Time   `json:"time"`
	StepIndex int         `json:"step"`
	Stream    string      `json:"stream,omitempty"`
	Content   string      `json:"content,omitempty"`
	StepName  string      `json:"step_name,omitempty"`
	Outcome   StepOutcome `json:"outcome,omitempty"`
}

func NewDataLogLine(idx int, content, stream string) LogLine {
	return LogLine{
		Kind:      LogKindData,
		Time:      time.Now(),
		StepIndex: idx,
		Stream:    stream,
		Content:   content,
	}
}

func NewControlLogLine(idx int, name string, outcome StepOutcome) LogLine {
	return LogLine{
		Kind:      LogKindControl,
		Time:      time.Now(),
		StepIndex: idx,
		StepName:  name,
		Outcome:   outcome,
	}
}

// WorkflowLogger writes one JSON line per output line or step marker into
// the job's log file. Writers for stdout and stderr may be used
// concurrently.
type WorkflowLogger struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	encoder *json.Encoder
}

func NewWorkflowLogger(baseDir string, jid JobId) (*WorkflowLogger, error) {
	path := LogFilePath(baseDir, jid)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &WorkflowLogger{
		path:    path,
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func LogFilePath(baseDir string, jid JobId) string {
	return filepath.Join(baseDir, normalize(jid.Run.String()), fmt.Sprintf("%s.log", jid.Name()))
}

func (l *WorkflowLogger) Path() string {
	return l.path
}

// Ref points at one stream of one step inside the log file.
func (l *WorkflowLogger) Ref(idx int, stream string) string {
	return fmt.Sprintf("%s#step=%d&stream=%s", l.path, idx, stream)
}

func (l *WorkflowLogger) Close() error {
	return l.file.Close()
}

func (l *WorkflowLogger) encode(entry LogLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(entry)
}

func (l *WorkflowLogger) DataWriter(idx int, stream string) io.Writer {
	return &dataWriter{
		logger: l,
		idx:    idx,
		stream: stream,
	}
}

func (l *WorkflowLogger) Control(idx int, name string, outcome StepOutcome) error {
	return l.encode(NewControlLogLine(idx, name, outcome))
}

type dataWriter struct {
	logger *WorkflowLogger
	idx    int
	stream string
}

func (w *dataWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for _, line := range strings.Split(strings.TrimRight(string(p), "\r\n"), "\n") {
		entry := NewDataLogLine(w.idx, strings.TrimRight(line, "\r"), w.stream)
		if err := w.logger.encode(entry); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
