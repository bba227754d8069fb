// Package audit implements the append-only audit trail shared by the
// authorization guard and the credential vault.
//
// Each event is one line: an RFC 3339 UTC timestamp in brackets followed by
// free text. Writes are best-effort: a failure is logged as a warning and never
// reaches the caller of the operation being audited.
package audit

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/agent-browser/logger"
)

// FileName is the audit trail's name inside the private data directory.
const FileName = "audit.log"

// FileMode restricts the audit trail to its owner.
const FileMode os.FileMode = 0600

// Recorder is what guarded components need from the audit trail.
type Recorder interface {
	Record(message string)
}

// Sink appends audit records to a file.
type Sink struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
	log  *slog.Logger
}

// NewSink returns a sink appending to dir/audit.log. The file is created lazily
// on the first record so a read-only directory never blocks startup.
func NewSink(dir string) *Sink {
	return &Sink{
		path: filepath.Join(dir, FileName),
		now:  time.Now,
		log:  logger.WithComponent("audit"),
	}
}

// Path returns the audit trail location.
func (s *Sink) Path() string {
	return s.path
}

// Record appends one line. It never returns an error and never panics on I/O failure.
func (s *Sink) Record(message string) {
	line := FormatLine(s.now(), message)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, FileMode)
	if err != nil {
		s.log.Warn("failed to write audit log", "path", s.path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		s.log.Warn("failed to write audit log", "path", s.path, "error", err)
	}
}

// FormatLine renders one audit record. Newlines inside message are flattened so
// a record always occupies exactly one line.
func FormatLine(at time.Time, message string) string {
	message = strings.NewReplacer("\r", " ", "\n", " ").Replace(message)
	return fmt.Sprintf("[%s] %s\n", at.UTC().Format(time.RFC3339), message)
}
