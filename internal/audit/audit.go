// Package audit keeps the trail of every model call a run makes. Records go
// to the run journal as they happen, so a run interrupted partway still has
// a complete account of the calls it made. Finalize renders the journal into
// the run's audit artifacts.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/avdvelde/qualia/internal/storage"
)

// Journal defines the storage operations the Recorder needs.
// Implemented by storage.Store.
type Journal interface {
	AppendCall(c storage.Call) error
	RecordStep(st storage.Step) error
	MaxSeq(runID string) (int, error)
	CallsForRun(runID string) ([]storage.Call, error)
	StepsForRun(runID string) ([]storage.Step, error)
	FinalizeRun(id string, at time.Time) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Recorder appends call and step records for one run. Appends are serialized
// so sequence numbers reflect actual call order even when stages fan out
// across workers.
type Recorder struct {
	journal Journal
	run     storage.Run
	clock   Clock

	mu  sync.Mutex
	seq int
}

// NewRecorder creates a Recorder for run. The sequence counter resumes from
// the journal's highest recorded call, so step invocations in separate
// processes keep appending to the same trail.
func NewRecorder(j Journal, run storage.Run) (*Recorder, error) {
	max, err := j.MaxSeq(run.ID)
	if err != nil {
		return nil, fmt.Errorf("reading call counter: %w", err)
	}
	return &Recorder{journal: j, run: run, clock: realClock{}, seq: max}, nil
}

// NewRecorderWithClock creates a Recorder with a custom clock (for testing).
func NewRecorderWithClock(j Journal, run storage.Run, clock Clock) (*Recorder, error) {
	r, err := NewRecorder(j, run)
	if err != nil {
		return nil, err
	}
	r.clock = clock
	return r, nil
}

// Run returns the run this Recorder writes to.
func (r *Recorder) Run() storage.Run { return r.run }

// Record appends one call record, assigning its run id, sequence number, and
// timestamp. Called after every gateway invocation regardless of outcome.
func (r *Recorder) Record(c storage.Call) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.seq + 1
	c.RunID = r.run.ID
	c.Seq = next
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.clock.Now().UTC()
	}

	if err := r.journal.AppendCall(c); err != nil {
		return 0, fmt.Errorf("appending call %d: %w", next, err)
	}
	r.seq = next
	return next, nil
}

// StartStep returns a step record with the clock started. The caller fills
// in counts and the output path, then hands it to CompleteStep or FailStep.
func (r *Recorder) StartStep(number int, name string) storage.Step {
	return storage.Step{
		RunID:     r.run.ID,
		Number:    number,
		Name:      name,
		StartedAt: r.clock.Now().UTC(),
	}
}

// CompleteStep persists st as completed. Re-recording the same step number
// replaces the earlier record, so a re-run stage reports its latest outcome.
func (r *Recorder) CompleteStep(st storage.Step) error {
	st.Status = "completed"
	st.EndedAt = r.clock.Now().UTC()
	if err := r.journal.RecordStep(st); err != nil {
		return fmt.Errorf("recording step %d: %w", st.Number, err)
	}
	return nil
}

// FailStep persists st as failed with the cause.
func (r *Recorder) FailStep(st storage.Step, cause error) error {
	st.Status = "failed"
	st.EndedAt = r.clock.Now().UTC()
	if cause != nil {
		st.Error = cause.Error()
	}
	if err := r.journal.RecordStep(st); err != nil {
		return fmt.Errorf("recording step %d: %w", st.Number, err)
	}
	return nil
}
