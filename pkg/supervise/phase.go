package supervise

// Phase is the supervisor's position in a single run. Phases only move forward.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseLoadingConfig
	PhaseStartingBackends
	PhaseStartingFrontends
	PhaseRunning
	PhaseShuttingDown
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseLoadingConfig:
		return "LoadingConfig"
	case PhaseStartingBackends:
		return "StartingBackends"
	case PhaseStartingFrontends:
		return "StartingFrontends"
	case PhaseRunning:
		return "Running"
	case PhaseShuttingDown:
		return "ShuttingDown"
	case PhaseTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Outcome is how a run ended.
type Outcome int

const (
	// OutcomeCompleted: every service exited on its own.
	OutcomeCompleted Outcome = iota
	// OutcomeInterrupted: the run context was cancelled (SIGINT/SIGTERM).
	OutcomeInterrupted
	// OutcomeStartupFailed: a service, the build, or the config failed before Running.
	OutcomeStartupFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeStartupFailed:
		return "startup-failed"
	default:
		return "unknown"
	}
}

func (o Outcome) ExitCode() int {
	if o == OutcomeStartupFailed {
		return 1
	}
	return 0
}
