// ABOUTME: Stream chunk and call state types for the query proxy
// ABOUTME: A Chunk is exactly one of text, error, warning, save_error, or done

package query

// Chunk kinds, as named on the wire.
const (
	KindText      = "text"
	KindError     = "error"
	KindWarning   = "warning"
	KindSaveError = "save_error"
	KindDone      = "done"
)

// Chunk is one unit of a query stream.
type Chunk struct {
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
	Warning   string `json:"warning,omitempty"`
	SaveError string `json:"save_error,omitempty"`
	Done      bool   `json:"done,omitempty"`
	QueryID   string `json:"query_id,omitempty"`
}

// Kind returns which kind of chunk this is.
func (c Chunk) Kind() string {
	switch {
	case c.Done:
		return KindDone
	case c.Error != "":
		return KindError
	case c.SaveError != "":
		return KindSaveError
	case c.Warning != "":
		return KindWarning
	default:
		return KindText
	}
}

// State is the lifecycle position of one query.
type State int

const (
	StateIdle State = iota
	StateDispatched
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatched:
		return "dispatched"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
