package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize caps one audit log file at 100MB before rotation.
	DefaultMaxLogSize = 100 * 1024 * 1024
	logFileExtension  = ".jsonl"
	archiveDirName    = "archive"
)

// AuditEntry is one line of the append-only workflow audit log.
type AuditEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	AttemptID int64                  `json:"attempt_id,omitempty"`
	TaskID    int64                  `json:"task_id,omitempty"`
	Workflow  string                 `json:"workflow,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditLogger appends workflow lifecycle events to a JSONL file, rotating
// into an archive directory when the file grows past maxSize.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	rotationCounter int
	unsubscribes    []func()
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	logger := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if err := logger.openLogFile(); err != nil {
		return nil, err
	}

	return logger, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Attach subscribes the logger to every workflow event on the bus. Detach
// with Close.
func (l *AuditLogger) Attach(bus *Bus) {
	for _, eventType := range []EventType{
		EventAttemptStarted,
		EventAttemptFinished,
		EventTaskFinished,
		EventExecutorRecovered,
	} {
		et := eventType
		l.unsubscribes = append(l.unsubscribes, bus.Subscribe(et, func(ev Event) {
			l.Log(string(et), ev.Data)
		}))
	}
}

// Log appends one event. Write failures are swallowed; the audit log never
// blocks workflow progress.
func (l *AuditLogger) Log(eventType string, details map[string]interface{}) {
	entry := AuditEntry{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
	}
	rest := make(map[string]interface{})
	for k, v := range details {
		switch k {
		case "attempt_id":
			if id, ok := v.(int64); ok {
				entry.AttemptID = id
				continue
			}
		case "task_id":
			if id, ok := v.(int64); ok {
				entry.TaskID = id
				continue
			}
		case "workflow":
			if name, ok := v.(string); ok {
				entry.Workflow = name
				continue
			}
		}
		rest[k] = v
	}
	if len(rest) > 0 {
		entry.Details = rest
	}
	_ = l.WriteEntry(&entry)
}

// WriteEntry appends one structured entry, rotating first when the file
// would grow past the size cap.
func (l *AuditLogger) WriteEntry(entry *AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), archiveDirName)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	l.rotationCounter++
	baseName := filepath.Base(l.logPath)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		baseName[:len(baseName)-len(logFileExtension)],
		timestamp,
		l.rotationCounter,
		logFileExtension)

	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}

	return l.openLogFile()
}

// Close unsubscribes from the bus and closes the file.
func (l *AuditLogger) Close() error {
	for _, unsub := range l.unsubscribes {
		unsub()
	}
	l.unsubscribes = nil

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return err
		}
		return l.file.Close()
	}
	return nil
}

// CurrentSize returns the size of the active log file.
func (l *AuditLogger) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
