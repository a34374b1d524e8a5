package streamer

// State is one point in the Streamer lifecycle (spec §4.F):
//
//	idle --SIGN_ON accepted--> ready --START--> running --STOP--> ready --shutdown--> terminal
//	                                      ^                 |
//	                                      +------ cycle ----+
type State int

const (
	Idle State = iota
	Ready
	Running
	Terminal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}
