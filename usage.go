package scriptbox

// UsageGate answers whether a tenant may run scripts right now. The engine
// consults it before admitting a compile or invoke, so a disabled tenant is
// rejected without consuming a worker slot.
type UsageGate interface {
	ScriptExecEnabled(tenantID string) bool
}

// UsageReporter receives the number of script executions attempted per
// tenant. Calls happen on the request goroutine before the task is queued,
// so implementations should be quick and must be safe for concurrent use.
type UsageReporter interface {
	ReportExecution(tenantID string, count int)
}
