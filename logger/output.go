package logger

// Output controls what categories of information are shown at each verbosity level.
//
// Unlike log levels (which filter by severity), output categories control
// WHAT types of information are displayed regardless of severity.
//
// Verbosity Levels:
//
//	0 (default) - User-facing output only: results, errors with hints, final status
//	1 (-v)      - + Progress, startup info, plugin status, operation summaries
//	2 (-vv)     - + Timing, config loaded, pool stats, HTTP requests
//	3 (-vvv)    - + Worker stdout/stderr, SQL queries, hook traces
//	4 (-vvvv)   - + Full request/response bodies, data structure dumps

// OutputCategory defines a category of output that can be enabled/disabled
type OutputCategory int

const (
	// Level 0 (default) - Always shown
	OutputResults    OutputCategory = iota // Request results, command output
	OutputErrors                           // Errors with hints and resolution steps
	OutputUserStatus                       // Final success/failure status

	// Level 1 (-v) - Informational
	OutputProgress     // Progress indicators
	OutputStartup      // Startup banners, config summary
	OutputPluginStatus // Plugin loaded/unloaded/health status
	OutputWorkerStatus // Worker spawned/retired/evicted

	// Level 2 (-vv) - Detailed
	OutputTiming    // Operation timing (e.g., "request took 42ms")
	OutputConfig    // Config values loaded/applied
	OutputHTTPCalls // External HTTP requests made
	OutputPoolStats // Pool hit/miss/eviction statistics

	// Level 3 (-vvv) - Debug
	OutputWorkerLogs // Worker stderr forwarding
	OutputSQLQueries // Individual SQL statements executed
	OutputHookTrace  // Plugin hook entry/exit
	OutputInternalOp // Internal operation flow

	// Level 4 (-vvvv) - Full dump
	OutputRequestBody  // Full HTTP request bodies
	OutputResponseBody // Full HTTP response bodies
	OutputDataDump     // Full data structure contents
)

// categoryLevels maps each output category to its minimum verbosity level
var categoryLevels = map[OutputCategory]int{
	OutputResults:    VerbosityUser,
	OutputErrors:     VerbosityUser,
	OutputUserStatus: VerbosityUser,

	OutputProgress:     VerbosityInfo,
	OutputStartup:      VerbosityInfo,
	OutputPluginStatus: VerbosityInfo,
	OutputWorkerStatus: VerbosityInfo,

	OutputTiming:    VerbosityDebug,
	OutputConfig:    VerbosityDebug,
	OutputHTTPCalls: VerbosityDebug,
	OutputPoolStats: VerbosityDebug,

	OutputWorkerLogs: VerbosityTrace,
	OutputSQLQueries: VerbosityTrace,
	OutputHookTrace:  VerbosityTrace,
	OutputInternalOp: VerbosityTrace,

	OutputRequestBody:  VerbosityAll,
	OutputResponseBody: VerbosityAll,
	OutputDataDump:     VerbosityAll,
}

// ShouldOutput returns true if the given category should be shown at the given verbosity
func ShouldOutput(verbosity int, category OutputCategory) bool {
	minLevel, ok := categoryLevels[category]
	if !ok {
		// Unknown category, default to highest verbosity required
		return verbosity >= VerbosityAll
	}
	return verbosity >= minLevel
}

// categoryNames provides human-readable names for output categories
var categoryNames = map[OutputCategory]string{
	OutputResults:      "results",
	OutputErrors:       "errors",
	OutputUserStatus:   "status",
	OutputProgress:     "progress",
	OutputStartup:      "startup",
	OutputPluginStatus: "plugin-status",
	OutputWorkerStatus: "worker-status",
	OutputTiming:       "timing",
	OutputConfig:       "config",
	OutputHTTPCalls:    "http",
	OutputPoolStats:    "pool-stats",
	OutputWorkerLogs:   "worker-logs",
	OutputSQLQueries:   "sql",
	OutputHookTrace:    "hooks",
	OutputInternalOp:   "internal",
	OutputRequestBody:  "request-body",
	OutputResponseBody: "response-body",
	OutputDataDump:     "data-dump",
}

// CategoryName returns the human-readable name for an output category
func CategoryName(category OutputCategory) string {
	if name, ok := categoryNames[category]; ok {
		return name
	}
	return "unknown"
}

// EnabledCategories returns all output categories enabled at the given verbosity
func EnabledCategories(verbosity int) []OutputCategory {
	var enabled []OutputCategory
	for cat, minLevel := range categoryLevels {
		if verbosity >= minLevel {
			enabled = append(enabled, cat)
		}
	}
	return enabled
}
