package call

// Phase is the single externally visible call state. The UI booleans
// (IsConnected, IsConnecting, ...) are derived from it; independent flags
// that could be set inconsistently by racing handlers do not exist.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseNegotiating
	PhaseConnected
	// PhaseDisconnected is transient: connectivity may self-recover, so the
	// attempt is not torn down and no error is surfaced.
	PhaseDisconnected
	// PhaseFailed is terminal for the attempt. Resources are already released
	// when this phase is visible; only a user-initiated retry leaves it.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot is the externally observable call state, derived from Phase.
// The audio levels are visualization-only scalars in [0,1].
type Snapshot struct {
	Phase           Phase   `json:"phase"`
	IsConnected     bool    `json:"is_connected"`
	IsConnecting    bool    `json:"is_connecting"`
	Degraded        bool    `json:"degraded"`
	IsMuted         bool    `json:"is_muted"`
	IsDeafened      bool    `json:"is_deafened"`
	ConnectionError string  `json:"connection_error,omitempty"`
	LocalLevel      float64 `json:"local_level"`
	RemoteLevel     float64 `json:"remote_level"`
	LossFraction    float64 `json:"loss_fraction"`
	JitterMs        float64 `json:"jitter_ms"`
}
