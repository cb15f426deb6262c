package domain

// Build statuses.
const (
	BuildQueued   = "queued"
	BuildRunning  = "running"
	BuildSuccess  = "success"
	BuildFailed   = "failed"
	BuildCanceled = "canceled"
)

// Finished reports whether status is terminal.
func Finished(status string) bool {
	switch status {
	case BuildSuccess, BuildFailed, BuildCanceled:
		return true
	}
	return false
}

type Agent struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	MemoryMB     int               `json:"memory_mb,omitempty"`
	OS           string            `json:"os,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
	Enabled      bool              `json:"enabled"`
	RegisteredAt string            `json:"registered_at" format:"date-time"`
}

type Build struct {
	ID          string  `json:"id"`
	Number      int     `json:"number"`
	BuildTypeID string  `json:"build_type_id"`
	ProjectID   string  `json:"project_id"`
	Status      string  `json:"status" enum:"queued,running,success,failed,canceled"`
	StatusText  string  `json:"status_text,omitempty"`
	AgentID     *string `json:"agent_id,omitempty"`
	TriggeredBy string  `json:"triggered_by"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	QueuedAt    string  `json:"queued_at" format:"date-time"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt  *string `json:"finished_at,omitempty" format:"date-time"`
}

type BuildStep struct {
	BuildID    string `json:"build_id"`
	Index      int    `json:"index"`
	Name       string `json:"name"`
	WorkingDir string `json:"working_dir"`
	Command    string `json:"command"`
	Status     string `json:"status" enum:"success,failed,canceled"`
	ExitCode   int    `json:"exit_code"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at" format:"date-time"`
	FinishedAt string `json:"finished_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
