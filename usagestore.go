package scriptbox

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	// Pure-Go SQLite driver for database/sql (used by UsageLedger).
	_ "github.com/glebarez/sqlite"
)

// usageFlushInterval is how often buffered execution counts are written out.
const usageFlushInterval = 5 * time.Second

const usageSchema = `
CREATE TABLE IF NOT EXISTS tenant_usage (
	tenant_id    TEXT PRIMARY KEY,
	executions   INTEGER NOT NULL DEFAULT 0,
	exec_enabled INTEGER NOT NULL DEFAULT 1,
	updated_at   TEXT NOT NULL
);`

const upsertUsageSQL = `
INSERT INTO tenant_usage (tenant_id, executions, exec_enabled, updated_at)
VALUES (?, ?, 1, ?)
ON CONFLICT(tenant_id) DO UPDATE SET
	executions = executions + excluded.executions,
	updated_at = excluded.updated_at;`

const upsertEnabledSQL = `
INSERT INTO tenant_usage (tenant_id, executions, exec_enabled, updated_at)
VALUES (?, 0, ?, ?)
ON CONFLICT(tenant_id) DO UPDATE SET
	exec_enabled = excluded.exec_enabled,
	updated_at = excluded.updated_at;`

// UsageLedger is a SQLite-backed UsageGate and UsageReporter. Execution
// counts are buffered in memory and flushed on an interval so the report
// path stays off the database; the enabled/disabled state is cached the
// same way so the gate check on every invoke is a map lookup.
type UsageLedger struct {
	db *sql.DB

	mu       sync.Mutex
	pending  map[string]int
	disabled map[string]bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ UsageGate     = (*UsageLedger)(nil)
	_ UsageReporter = (*UsageLedger)(nil)
)

// OpenUsageLedger opens (or creates) the ledger database at path.
func OpenUsageLedger(path string) (*UsageLedger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening usage ledger %q: %w", path, err)
	}
	// Enable WAL mode for better concurrent access.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	return newUsageLedger(db)
}

// NewUsageLedgerMemory creates an in-memory ledger for testing.
func NewUsageLedgerMemory() (*UsageLedger, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory usage ledger: %w", err)
	}
	return newUsageLedger(db)
}

func newUsageLedger(db *sql.DB) (*UsageLedger, error) {
	if _, err := db.Exec(usageSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating usage schema: %w", err)
	}
	l := &UsageLedger{
		db:       db,
		pending:  make(map[string]int),
		disabled: make(map[string]bool),
	}
	if err := l.loadDisabled(); err != nil {
		_ = db.Close()
		return nil, err
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.flushLoop()
	return l, nil
}

func (l *UsageLedger) loadDisabled() error {
	rows, err := l.db.Query("SELECT tenant_id FROM tenant_usage WHERE exec_enabled = 0")
	if err != nil {
		return fmt.Errorf("loading disabled tenants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return fmt.Errorf("scanning disabled tenant: %w", err)
		}
		l.disabled[tenant] = true
	}
	return rows.Err()
}

// ScriptExecEnabled reports whether the tenant may run scripts. Unknown
// tenants are enabled.
func (l *UsageLedger) ScriptExecEnabled(tenantID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.disabled[tenantID]
}

// SetScriptExecEnabled switches the tenant's gate and persists the change.
func (l *UsageLedger) SetScriptExecEnabled(tenantID string, enabled bool) error {
	en := 0
	if enabled {
		en = 1
	}
	if _, err := l.db.Exec(upsertEnabledSQL, tenantID, en, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("updating gate for %s: %w", tenantID, err)
	}
	l.mu.Lock()
	if enabled {
		delete(l.disabled, tenantID)
	} else {
		l.disabled[tenantID] = true
	}
	l.mu.Unlock()
	return nil
}

// ReportExecution buffers count executions for the tenant. The actual write
// happens on the next flush.
func (l *UsageLedger) ReportExecution(tenantID string, count int) {
	l.mu.Lock()
	l.pending[tenantID] += count
	l.mu.Unlock()
}

// Executions returns the tenant's total recorded executions, including
// counts still waiting in the buffer.
func (l *UsageLedger) Executions(tenantID string) (int64, error) {
	l.mu.Lock()
	buffered := int64(l.pending[tenantID])
	l.mu.Unlock()

	var stored int64
	err := l.db.QueryRow("SELECT executions FROM tenant_usage WHERE tenant_id = ?", tenantID).Scan(&stored)
	if err == sql.ErrNoRows {
		return buffered, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading usage for %s: %w", tenantID, err)
	}
	return stored + buffered, nil
}

// Flush writes all buffered counts in one transaction. On failure the batch
// is merged back into the buffer for the next attempt.
func (l *UsageLedger) Flush() error {
	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := l.pending
	l.pending = make(map[string]int)
	l.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := l.db.Begin()
	if err != nil {
		l.requeue(batch)
		return fmt.Errorf("beginning usage flush: %w", err)
	}
	for tenant, n := range batch {
		if _, err := tx.Exec(upsertUsageSQL, tenant, n, now); err != nil {
			_ = tx.Rollback()
			l.requeue(batch)
			return fmt.Errorf("recording usage for %s: %w", tenant, err)
		}
	}
	if err := tx.Commit(); err != nil {
		l.requeue(batch)
		return fmt.Errorf("committing usage flush: %w", err)
	}
	return nil
}

func (l *UsageLedger) requeue(batch map[string]int) {
	l.mu.Lock()
	for tenant, n := range batch {
		l.pending[tenant] += n
	}
	l.mu.Unlock()
}

func (l *UsageLedger) flushLoop() {
	defer close(l.done)
	t := time.NewTicker(usageFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := l.Flush(); err != nil {
				log.Printf("scriptbox: usage flush: %v", err)
			}
		case <-l.stop:
			return
		}
	}
}

// Close stops the flush loop, writes out any buffered counts and closes the
// database. Safe to call more than once.
func (l *UsageLedger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stop)
		<-l.done
		err = l.Flush()
		if cerr := l.db.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
