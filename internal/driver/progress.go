package driver

import "time"

type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Progress is a point-in-time view of a run, safe to hand to other
// goroutines.
type Progress struct {
	RunID     string    `json:"run_id"`
	Batch     int       `json:"batch"`
	Total     int       `json:"total"`
	Committed int       `json:"committed"`
	State     State     `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

func (d *Driver) Progress() Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress
}

func (d *Driver) update(fn func(p *Progress)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.progress)
}
