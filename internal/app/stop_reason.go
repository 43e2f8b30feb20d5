package app

// StopReason is used for structured shutdown tracing.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSignal       StopReason = "signal"
	StopOnceComplete StopReason = "once_complete"
	StopFatalError   StopReason = "fatal_error"
)
