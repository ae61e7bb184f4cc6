package events

const TopicLifecycle = "portalctl.lifecycle"

const (
	TypePhaseChanged       = "phase.changed"
	TypeServiceStarted     = "service.started"
	TypeServiceStartFailed = "service.start.failed"
	TypeServiceExited      = "service.exit.observed"
	TypeServiceStopped     = "service.stopped"
	TypeShutdownCompleted  = "shutdown.completed"
)

type PhaseChanged struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type ServiceStarted struct {
	Name    string `json:"name"`
	PID     int    `json:"pid"`
	Port    int    `json:"port"`
	LogPath string `json:"log_path"`
}

type ServiceStartFailed struct {
	Name  string `json:"name"`
	Port  int    `json:"port,omitempty"`
	Error string `json:"error"`
}

type ServiceExited struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`
}

type ServiceStopped struct {
	Name  string `json:"name"`
	PID   int    `json:"pid"`
	Mode  string `json:"mode"`
	Error string `json:"error,omitempty"`
}

type ShutdownCompleted struct {
	Reason  string   `json:"reason"`
	Stopped []string `json:"stopped"`
	Failed  []string `json:"failed,omitempty"`
}
