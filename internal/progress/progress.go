// Package progress aggregates load progress events and renders them.
package progress

import "strings"

// Status of a finished or running unit of work.
type Status string

const (
	StatusLoading Status = "Loading"
	StatusLoaded  Status = "Loaded"
	StatusSkipped Status = "Skipped"
	StatusFailed  Status = "Failed"
)

// Event is sent by the submitter (Added) and by workers (Label while running,
// Finished when a dataset is done).
type Event struct {
	Added    int
	Finished int
	Label    string
	Status   Status
}

// State is the aggregated view of all events so far.
type State struct {
	Total   int
	Done    int
	Failed  int
	Skipped int
	Current string // label of the most recent in-flight item
	Last    Status
}

// Outstanding is the number of submitted items not yet finished.
func (s State) Outstanding() int { return s.Total - s.Done }

// Percent is the finished share in [0, 1].
func (s State) Percent() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Done) / float64(s.Total)
}

func (s State) apply(e Event) State {
	s.Total += e.Added
	s.Done += e.Finished
	if e.Finished > 0 {
		switch e.Status {
		case StatusFailed:
			s.Failed += e.Finished
		case StatusSkipped:
			s.Skipped += e.Finished
		}
	}
	if label := strings.TrimSpace(e.Label); label != "" {
		s.Current = label
	}
	if e.Status != "" {
		s.Last = e.Status
	}
	return s
}

// View renders progress. Update is only called from the aggregation task.
type View interface {
	Update(State)
	Close() error
}

// Run consumes events until the channel is closed, pushing every new state to
// the view, then closes the view and returns the final state.
func Run(events <-chan Event, view View) (State, error) {
	if view == nil {
		view = Discard
	}
	var s State
	for e := range events {
		s = s.apply(e)
		view.Update(s)
	}
	return s, view.Close()
}

type discard struct{}

func (discard) Update(State) {}
func (discard) Close() error { return nil }

// Discard ignores all updates.
var Discard View = discard{}
