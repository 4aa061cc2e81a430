package processing

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Step is one level of progress: current out of total units.
type Step interface {
	Name() string
	Current() uint32
	Total() uint32
}

type namedStep struct {
	name           string
	current, total uint32
}

func (s namedStep) Name() string    { return s.name }
func (s namedStep) Current() uint32 { return s.current }
func (s namedStep) Total() uint32   { return s.total }

// NewStep is a fixed position, e.g. the 2nd swap out of 5.
func NewStep(name string, current, total uint32) Step {
	return namedStep{name: name, current: current, total: total}
}

// AtomicStep is advanced by the writer while readers watch it.
type AtomicStep struct {
	name    string
	current atomic.Uint32
	total   uint32
}

func NewAtomicStep(name string, total uint32) *AtomicStep {
	return &AtomicStep{name: name, total: total}
}

func (s *AtomicStep) Name() string    { return s.name }
func (s *AtomicStep) Current() uint32 { return s.current.Load() }
func (s *AtomicStep) Total() uint32   { return s.total }

func (s *AtomicStep) Inc() {
	s.current.Add(1)
}

type frame struct {
	step    Step
	started time.Time
}

// Progress is a stack of steps. Update replaces the stack from the level
// of a step with the same name; readers take the current stack without
// locking.
type Progress struct {
	steps     atomic.Pointer[[]frame]
	durations *xsync.MapOf[string, time.Duration]
}

func NewProgress() *Progress {
	p := &Progress{
		durations: xsync.NewMapOf[string, time.Duration](),
	}
	p.steps.Store(&[]frame{})
	return p
}

func (p *Progress) record(frames []frame, now time.Time) {
	for _, f := range frames {
		p.durations.Compute(f.step.Name(), func(old time.Duration, _ bool) (time.Duration, bool) {
			return old + now.Sub(f.started), false
		})
	}
}

// Update pushes step. A step already on the stack under the same name is
// popped together with every deeper step, and their durations are recorded.
func (p *Progress) Update(step Step) {
	now := time.Now()
	current := *p.steps.Load()
	next := make([]frame, 0, len(current)+1)
	for i, f := range current {
		if f.step.Name() == step.Name() {
			// same level again: keep its start, drop the deeper levels
			p.record(current[i+1:], now)
			next = append(next, frame{step: step, started: f.started})
			p.steps.Store(&next)
			return
		}
		next = append(next, f)
	}
	next = append(next, frame{step: step, started: now})
	p.steps.Store(&next)
}

type StepView struct {
	Name    string `json:"currentStep"`
	Current uint32 `json:"finished"`
	Total   uint32 `json:"total"`
}

type ProgressView struct {
	Steps      []StepView `json:"steps"`
	Percentage float64    `json:"percentage"`
}

// View is a snapshot of the stack with the overall completion: every
// level subdivides one unit of its parent.
func (p *Progress) View() ProgressView {
	current := *p.steps.Load()
	view := ProgressView{Steps: make([]StepView, 0, len(current))}
	share := 100.0
	for _, f := range current {
		sv := StepView{Name: f.step.Name(), Current: f.step.Current(), Total: f.step.Total()}
		view.Steps = append(view.Steps, sv)
		if sv.Total == 0 {
			break
		}
		done := min(sv.Current, sv.Total)
		view.Percentage += share * float64(done) / float64(sv.Total)
		share /= float64(sv.Total)
	}
	return view
}

// AccumulatedDurations closes every open step and returns the time spent
// per step name.
func (p *Progress) AccumulatedDurations() map[string]string {
	now := time.Now()
	current := *p.steps.Load()
	p.record(current, now)
	p.steps.Store(&[]frame{})
	out := make(map[string]string, p.durations.Size())
	p.durations.Range(func(name string, d time.Duration) bool {
		out[name] = d.String()
		return true
	})
	return out
}
