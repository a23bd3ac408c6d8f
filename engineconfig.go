package scriptbox

// Config holds runtime configuration for the script engine. Zero fields are
// replaced with the defaults below when the engine is constructed, so a
// zero-value Config is usable as-is.
type Config struct {
	ThreadPoolSize          int  // worker goroutines executing compile and invoke tasks
	QueueSize               int  // queued task backlog before submission applies backpressure
	ScriptPoolSize          int  // warm sandbox VMs kept per compiled script
	MaxScriptBodySize       int  // max script body size in bytes, checked before compilation
	MaxTotalArgsSize        int  // max combined serialized argument size in bytes
	MaxResultSize           int  // max serialized result size in bytes
	MaxErrors               int  // consecutive failures before a script is blacklisted
	MaxBlacklistDurationSec int  // blacklist window in seconds
	MaxRequestsTimeoutMs    int  // per-invocation deadline in milliseconds, 0 disables
	MaxMemoryLimitMB        int  // per-VM memory ceiling
	StatsEnabled            bool // periodically log and reset engine counters
	StatsIntervalMs         int  // counter logging interval in milliseconds

	// UsageGate, when set, is consulted before any compile or invoke runs
	// for a tenant. Nil means every tenant is allowed.
	UsageGate UsageGate
	// UsageReporter, when set, receives execution counts per tenant.
	// Nil drops them.
	UsageReporter UsageReporter
}

// DefaultConfig returns the stock engine limits.
func DefaultConfig() Config {
	return Config{
		ThreadPoolSize:          50,
		QueueSize:               100,
		ScriptPoolSize:          2,
		MaxScriptBodySize:       50000,
		MaxTotalArgsSize:        100000,
		MaxResultSize:           300000,
		MaxErrors:               3,
		MaxBlacklistDurationSec: 60,
		MaxRequestsTimeoutMs:    0,
		MaxMemoryLimitMB:        8,
		StatsEnabled:            false,
		StatsIntervalMs:         10000,
	}
}

// withDefaults fills zero or negative fields from DefaultConfig. StatsEnabled
// is a plain bool and passes through untouched.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ThreadPoolSize <= 0 {
		c.ThreadPoolSize = d.ThreadPoolSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 2 * c.ThreadPoolSize
	}
	if c.ScriptPoolSize <= 0 {
		c.ScriptPoolSize = d.ScriptPoolSize
	}
	if c.MaxScriptBodySize <= 0 {
		c.MaxScriptBodySize = d.MaxScriptBodySize
	}
	if c.MaxTotalArgsSize <= 0 {
		c.MaxTotalArgsSize = d.MaxTotalArgsSize
	}
	if c.MaxResultSize <= 0 {
		c.MaxResultSize = d.MaxResultSize
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = d.MaxErrors
	}
	if c.MaxBlacklistDurationSec <= 0 {
		c.MaxBlacklistDurationSec = d.MaxBlacklistDurationSec
	}
	if c.MaxRequestsTimeoutMs < 0 {
		c.MaxRequestsTimeoutMs = 0
	}
	if c.MaxMemoryLimitMB <= 0 {
		c.MaxMemoryLimitMB = d.MaxMemoryLimitMB
	}
	if c.StatsIntervalMs <= 0 {
		c.StatsIntervalMs = d.StatsIntervalMs
	}
	return c
}
