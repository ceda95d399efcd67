// Package audit records administrative operations — step-size changes,
// conflict resolution, segment expiry, stuck-refresh recovery — to an
// append-only JSON-lines file, adapted from dplaned/internal/audit's
// Logger: same file+mutex handle, default-logger singleton via
// sync.Once, and Log entry shape, repurposed from command/session audit
// entries to seqd's admin operations. Each entry is additionally chained
// by an HMAC over the previous entry's hash, adapted from the teacher's
// chain.go/hmac_key.go: a node that tampers with or drops a past line
// breaks the chain for every entry after it.
package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARNING"
	LevelError Level = "ERROR"
)

// Entry is one audit record for an admin operation against the
// issuance system. PrevHash/Hash are populated only when the logger
// holds a chain key; left empty, the log degrades to plain JSON lines.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Operator  string                 `json:"operator,omitempty"`
	Operation string                 `json:"operation"`
	Business  string                 `json:"business_type,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  int64                  `json:"duration_ms"`
	Details   map[string]interface{} `json:"details,omitempty"`
	PrevHash  string                 `json:"prev_hash,omitempty"`
	Hash      string                 `json:"hash,omitempty"`
}

type Logger struct {
	file *os.File
	mu   sync.Mutex
	key  []byte
	last string
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// LoadOrCreateAuditKey reads the 32-byte HMAC chain key at path, creating
// one with a fresh random value on first run. The key never leaves disk
// through any API response.
func LoadOrCreateAuditKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != 32 {
			return nil, fmt.Errorf("audit: key at %s has wrong length %d (want 32)", path, len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit: read key: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("audit: generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("audit: write key: %w", err)
	}
	return key, nil
}

// InitLogger initializes the package-level default logger against
// logPath, chaining entries with key if non-nil. Safe to call multiple
// times; only the first call takes effect.
func InitLogger(logPath string, key []byte) error {
	var err error
	once.Do(func() {
		defaultLogger, err = NewLogger(logPath, key)
	})
	return err
}

func NewLogger(logPath string, key []byte) (*Logger, error) {
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	return &Logger{file: file, key: key}, nil
}

func (l *Logger) Log(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Timestamp = time.Now()
	entry.PrevHash = l.last
	entry.Hash = computeRowHash(l.key, l.last, entry)

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	if entry.Hash != "" {
		l.last = entry.Hash
	}
	return nil
}

// computeRowHash is HMAC-SHA256(key, prevHash|timestamp|operation|operator|business|success|error|details),
// adapted from the teacher's computeRowHash. Returns "" when key is nil,
// leaving the chain disabled.
func computeRowHash(key []byte, prevHash string, e Entry) string {
	if len(key) == 0 {
		return ""
	}
	msg := fmt.Sprintf("%s|%d|%s|%s|%s|%v|%s|%v",
		prevHash,
		e.Timestamp.UnixNano(),
		e.Operation,
		e.Operator,
		e.Business,
		e.Success,
		e.Error,
		e.Details,
	)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *Logger) Close() error { return l.file.Close() }

// Log records entry via the default logger. Returns an error if
// InitLogger was never called — admin handlers should treat that as
// non-fatal and log a warning, not fail the operation.
func Log(entry Entry) error {
	if defaultLogger == nil {
		return fmt.Errorf("audit: logger not initialized")
	}
	return defaultLogger.Log(entry)
}

func Close() error {
	if defaultLogger == nil {
		return nil
	}
	return defaultLogger.Close()
}

// VerifyReport is the result of replaying an audit log's hash chain.
type VerifyReport struct {
	TotalRows      int    `json:"total_rows"`
	CheckedRows    int    `json:"checked_rows"`
	SkippedRows    int    `json:"skipped_rows"` // rows written with no chain key active
	Valid          bool   `json:"valid"`
	FirstBrokenRow int    `json:"first_broken_row,omitempty"`
	Message        string `json:"message"`
}

// VerifyChain re-reads logPath line by line and recomputes each chained
// entry's hash against key, adapted from the teacher's VerifyAuditChain
// handler (there: a SQL table scan; here: a JSON-lines scan, since this
// log is a flat file rather than a database table). Unchained rows
// (Hash == "", written while no key was configured) are counted but
// skipped, matching the teacher's treatment of pre-migration rows.
func VerifyChain(logPath string, key []byte) (VerifyReport, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	report := VerifyReport{Valid: true}
	prevHash := ""
	chainStarted := false
	row := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		row++
		report.TotalRows++

		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return report, fmt.Errorf("audit: malformed entry at row %d: %w", row, err)
		}
		if e.Hash == "" {
			report.SkippedRows++
			continue
		}
		if !chainStarted {
			chainStarted = true
			prevHash = e.PrevHash
		}

		computed := computeRowHash(key, prevHash, Entry{
			Timestamp: e.Timestamp,
			Operation: e.Operation,
			Operator:  e.Operator,
			Business:  e.Business,
			Success:   e.Success,
			Error:     e.Error,
			Details:   e.Details,
		})
		if computed != e.Hash {
			report.Valid = false
			if report.FirstBrokenRow == 0 {
				report.FirstBrokenRow = row
			}
		}
		prevHash = e.Hash
		report.CheckedRows++
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("audit: scan log: %w", err)
	}

	switch {
	case !report.Valid:
		report.Message = fmt.Sprintf("chain broken at row %d: entries after this point may have been tampered with", report.FirstBrokenRow)
	case report.CheckedRows > 0:
		report.Message = fmt.Sprintf("chain intact: %d rows verified", report.CheckedRows)
	default:
		report.Message = fmt.Sprintf("no chained rows found; %d unchained rows skipped", report.SkippedRows)
	}
	return report, nil
}

// Record is a convenience wrapper for the admin handlers (spec §6):
// step_size change, resolve_conflicts, expire, recover_timeouts.
func Record(operation, operator, business string, success bool, duration time.Duration, opErr error, details map[string]interface{}) {
	entry := Entry{
		Level:     LevelInfo,
		Operation: operation,
		Operator:  operator,
		Business:  business,
		Success:   success,
		Duration:  duration.Milliseconds(),
		Details:   details,
	}
	if opErr != nil {
		entry.Level = LevelError
		entry.Error = opErr.Error()
	}
	_ = Log(entry)
}
