package sealio

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

// Audit record results
const (
	auditAllowed   = "allowed"
	auditDenied    = "denied"
	auditEncrypted = "encrypted"
)

// AuditLog appends line-oriented records of classification outcomes:
//
//	[timestamp] session=<uuid> operation=<op> path=<path> pid=<pid> uid=<uid> result=<result>
//
// Paths under a configured sensitive prefix are redacted before they reach
// disk. Recording is best effort; a failed append never fails the I/O that
// produced it.
type AuditLog struct {
	mu      sync.Mutex
	w       absfs.File
	session uuid.UUID
	redact  []string
	closed  bool
}

// newAuditLog opens (or creates) the append-only audit file. Each log gets
// a fresh session ID so interleaved processes can be told apart.
func newAuditLog(fsys absfs.FileSystem, name string, redact []string) (*AuditLog, error) {
	f, err := fsys.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, NewIOError("open", name, err)
	}
	return &AuditLog{
		w:       f,
		session: uuid.New(),
		redact:  redact,
	}, nil
}

// Session returns the session ID stamped on every record
func (a *AuditLog) Session() uuid.UUID {
	return a.session
}

// Record appends one audit line. Safe on a nil log.
func (a *AuditLog) Record(op, name, result string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	line := fmt.Sprintf("[%s] session=%s operation=%s path=%s pid=%d uid=%d result=%s\n",
		time.Now().UTC().Format(time.RFC3339), a.session, op,
		a.sanitize(name), os.Getpid(), os.Getuid(), result)
	a.w.WriteString(line)
}

// sanitize redacts the portion of name under any sensitive prefix
func (a *AuditLog) sanitize(name string) string {
	for _, p := range a.redact {
		if name == p || strings.HasPrefix(name, p+"/") {
			return p + "/[redacted]"
		}
	}
	return name
}

// Close flushes and closes the audit file. Safe on a nil log and safe to
// call more than once.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	if err := a.w.Sync(); err != nil {
		a.w.Close()
		return err
	}
	return a.w.Close()
}
