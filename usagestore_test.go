package scriptbox

import (
	"path/filepath"
	"testing"
)

func newTestLedger(t *testing.T) *UsageLedger {
	t.Helper()
	ledger, err := NewUsageLedgerMemory()
	if err != nil {
		t.Fatalf("NewUsageLedgerMemory: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })
	return ledger
}

func TestUsageLedger_ReportAndFlush(t *testing.T) {
	ledger := newTestLedger(t)

	ledger.ReportExecution("tenant-a", 3)
	ledger.ReportExecution("tenant-a", 2)
	ledger.ReportExecution("tenant-b", 1)

	// Buffered counts are visible before any flush.
	n, err := ledger.Executions("tenant-a")
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if n != 5 {
		t.Errorf("buffered executions = %d, want 5", n)
	}

	if err := ledger.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	n, err = ledger.Executions("tenant-a")
	if err != nil {
		t.Fatalf("Executions after flush: %v", err)
	}
	if n != 5 {
		t.Errorf("stored executions = %d, want 5", n)
	}
	n, err = ledger.Executions("tenant-b")
	if err != nil {
		t.Fatalf("Executions tenant-b: %v", err)
	}
	if n != 1 {
		t.Errorf("stored executions = %d, want 1", n)
	}
}

func TestUsageLedger_FlushAccumulates(t *testing.T) {
	ledger := newTestLedger(t)

	ledger.ReportExecution("tenant-a", 2)
	if err := ledger.Flush(); err != nil {
		t.Fatalf("first Flush: %v", err)
	}
	ledger.ReportExecution("tenant-a", 4)
	if err := ledger.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}

	n, err := ledger.Executions("tenant-a")
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if n != 6 {
		t.Errorf("executions = %d, want 6", n)
	}
}

func TestUsageLedger_Gate(t *testing.T) {
	ledger := newTestLedger(t)

	if !ledger.ScriptExecEnabled("unknown") {
		t.Error("unknown tenant should be enabled")
	}

	if err := ledger.SetScriptExecEnabled("tenant-a", false); err != nil {
		t.Fatalf("SetScriptExecEnabled(false): %v", err)
	}
	if ledger.ScriptExecEnabled("tenant-a") {
		t.Error("tenant-a should be disabled")
	}
	if !ledger.ScriptExecEnabled("tenant-b") {
		t.Error("tenant-b should still be enabled")
	}

	if err := ledger.SetScriptExecEnabled("tenant-a", true); err != nil {
		t.Fatalf("SetScriptExecEnabled(true): %v", err)
	}
	if !ledger.ScriptExecEnabled("tenant-a") {
		t.Error("tenant-a should be enabled again")
	}
}

func TestUsageLedger_StateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")

	ledger, err := OpenUsageLedger(path)
	if err != nil {
		t.Fatalf("OpenUsageLedger: %v", err)
	}
	ledger.ReportExecution("tenant-a", 7)
	if err := ledger.SetScriptExecEnabled("tenant-b", false); err != nil {
		t.Fatalf("SetScriptExecEnabled: %v", err)
	}
	// Close flushes the buffer.
	if err := ledger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenUsageLedger(path)
	if err != nil {
		t.Fatalf("OpenUsageLedger reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	n, err := reopened.Executions("tenant-a")
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if n != 7 {
		t.Errorf("executions = %d, want 7", n)
	}
	if reopened.ScriptExecEnabled("tenant-b") {
		t.Error("tenant-b should stay disabled after reopen")
	}
	if !reopened.ScriptExecEnabled("tenant-a") {
		t.Error("tenant-a should stay enabled after reopen")
	}
}

func TestUsageLedger_CloseTwice(t *testing.T) {
	ledger, err := NewUsageLedgerMemory()
	if err != nil {
		t.Fatalf("NewUsageLedgerMemory: %v", err)
	}
	if err := ledger.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := ledger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
