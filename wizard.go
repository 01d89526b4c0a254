package esteps

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

var (
	ErrActionNotAvailable = errors.New("action not available on the current step")
	ErrBusy               = errors.New("another action is still running")
	ErrInvalidInput       = errors.New("invalid input")
	ErrClosed             = errors.New("wizard is closed")
)

const (
	defaultPollInterval    = 3 * time.Second
	defaultMaxPollAttempts = 200
	defaultHotendTemp      = 210
	defaultMeasuredLength  = 20.0
	defaultHistoryPageSize = 5
)

// Options tune a Wizard. Zero values take the defaults.
type Options struct {
	// PollInterval is the delay between two status checks (3s)
	PollInterval time.Duration
	// MaxPollAttempts bounds the status checks of a single wait (200)
	MaxPollAttempts int
	// PollTimeout bounds the duration of a single wait; 0 disables it
	PollTimeout time.Duration

	// HotendTemp pre-fills the new calibration form (210)
	HotendTemp int
	// MeasuredLength pre-fills the result form, in mm (20)
	MeasuredLength float64
	// HistoryPageSize is the number of records per history page (5)
	HistoryPageSize int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.MaxPollAttempts <= 0 {
		o.MaxPollAttempts = defaultMaxPollAttempts
	}
	if o.HotendTemp == 0 {
		o.HotendTemp = defaultHotendTemp
	}
	if o.MeasuredLength == 0 {
		o.MeasuredLength = defaultMeasuredLength
	}
	if o.HistoryPageSize <= 0 {
		o.HistoryPageSize = defaultHistoryPageSize
	}
	return o
}

// EventKind tells subscribers what happened
type EventKind int

const (
	// EventTransition: the current step changed
	EventTransition EventKind = iota
	// EventPoll: a status check did not reach its target; the waiting step is shown again
	EventPoll
	// EventError: an error was reported; a transition to the error page accompanies it
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventTransition:
		return "transition"
	case EventPoll:
		return "poll"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after the wizard lock is released
type Event struct {
	Kind    EventKind
	From    StepID
	Step    StepID
	Status  ToolStatus
	Attempt int
	Message string
}

// Wizard owns the current step of the e-steps calibration flow. User actions
// come in through Dispatch; remote results are applied only while the epoch
// captured at dispatch time is still current, so abandoned waits and late
// replies never move the wizard.
type Wizard struct {
	logger  logging.Logger
	channel Channel
	opts    Options

	main    *Registry
	tool    *Registry
	history *HistoryView

	mu           sync.Mutex
	current      *Step
	epoch        uint64
	busy         bool
	closed       bool
	pollCancel   context.CancelFunc
	pending      []Event
	listeners    map[int]func(Event)
	nextListener int

	ctx    context.Context
	cancel context.CancelFunc
	polls  sync.WaitGroup
}

// NewWizard builds the step registries and starts on the start page
func NewWizard(channel Channel, logger logging.Logger, opts Options) (*Wizard, error) {
	if channel == nil {
		return nil, errors.New("wizard needs a channel")
	}
	opts = opts.withDefaults()

	main, tool, err := newRegistries(opts)
	if err != nil {
		return nil, err
	}
	start, _ := main.Get(StepStartPage)

	ctx, cancel := context.WithCancel(context.Background())
	return &Wizard{
		logger:    logger,
		channel:   channel,
		opts:      opts,
		main:      main,
		tool:      tool,
		history:   NewHistoryView(opts.HistoryPageSize),
		current:   start,
		listeners: make(map[int]func(Event)),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Registries returns the main registry and the calibration tool registry
func (w *Wizard) Registries() (*Registry, *Registry) {
	return w.main, w.tool
}

// CurrentStep returns a copy of the step being shown
func (w *Wizard) CurrentStep() Snapshot {
	w.mu.Lock()
	defer w.unlock()
	return w.current.snapshot()
}

// Step returns a copy of any known step
func (w *Wizard) Step(id StepID) (Snapshot, bool) {
	w.mu.Lock()
	defer w.unlock()
	s, ok := w.lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// SetCurrentStep moves to step id unconditionally, cancelling any pending
// wait. Moving to the step already shown changes nothing.
func (w *Wizard) SetCurrentStep(id StepID) error {
	w.mu.Lock()
	defer w.unlock()

	step, ok := w.lookup(id)
	if !ok {
		return errors.Errorf("unknown step %d", id)
	}
	if step == w.current {
		return nil
	}
	w.bumpLocked()
	w.transitionLocked(step)
	return nil
}

// GoToStartPage returns to the start page and drops all calibration input
func (w *Wizard) GoToStartPage() {
	w.mu.Lock()
	defer w.unlock()
	w.bumpLocked()
	w.toStartLocked()
}

// ReportError shows message on the error page. It may be called from any
// step at any time and preempts pending waits.
func (w *Wizard) ReportError(message string) {
	w.mu.Lock()
	defer w.unlock()
	w.bumpLocked()
	w.reportErrorLocked(message)
}

// Dispatch runs the current step's behaviour for a. Device faults do not make
// Dispatch fail: they move the wizard to the error page. Errors are returned
// for actions the step does not offer, invalid input and overlapping calls.
func (w *Wizard) Dispatch(ctx context.Context, a Action) error {
	if a == nil {
		return errors.Wrap(ErrInvalidInput, "nil action")
	}

	w.mu.Lock()
	if w.closed {
		w.unlock()
		return ErrClosed
	}
	if w.busy {
		w.unlock()
		return ErrBusy
	}
	step := w.current
	b, ok := step.behavior[a.ActionName()]
	if !ok {
		w.unlock()
		return errors.Wrapf(ErrActionNotAvailable, "%s on %s", a.ActionName(), step.Name)
	}
	w.busy = true
	w.bumpLocked()
	epoch := w.epoch
	w.unlock()

	w.logger.Debugf("Dispatching %s on step %s", a.ActionName(), step.Name)
	err := b(ctx, w, epoch, a)

	w.mu.Lock()
	w.busy = false
	w.unlock()
	return err
}

// Subscribe registers fn for every event. Listeners run on the goroutine that
// caused the event and must not call Close.
func (w *Wizard) Subscribe(fn func(Event)) (unsubscribe func()) {
	w.mu.Lock()
	id := w.nextListener
	w.nextListener++
	w.listeners[id] = fn
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	}
}

// Close stops pending waits and waits for them to return
func (w *Wizard) Close() {
	w.mu.Lock()
	if w.closed {
		w.unlock()
		return
	}
	w.closed = true
	w.bumpLocked()
	w.cancel()
	w.unlock()

	w.polls.Wait()
}

// unlock releases w.mu and then delivers the events queued while it was held
func (w *Wizard) unlock() {
	events := w.pending
	w.pending = nil
	var listeners []func(Event)
	if len(events) > 0 {
		listeners = make([]func(Event), 0, len(w.listeners))
		for _, l := range w.listeners {
			listeners = append(listeners, l)
		}
	}
	w.mu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
	}
}

func (w *Wizard) lookup(id StepID) (*Step, bool) {
	if s, ok := w.main.Get(id); ok {
		return s, true
	}
	return w.tool.Get(id)
}

// bumpLocked starts a new epoch; results captured under the old one become no-ops
func (w *Wizard) bumpLocked() {
	w.epoch++
	if w.pollCancel != nil {
		w.pollCancel()
		w.pollCancel = nil
	}
}

func (w *Wizard) transitionLocked(step *Step) {
	if step == w.current {
		return
	}
	if !w.main.Contains(step) && !w.tool.Contains(step) {
		w.logger.Errorf("Refusing to show step %v, it belongs to no registry", step)
		return
	}
	from := w.current
	w.current = step
	w.logger.Infof("Wizard step: %s -> %s", from.Name, step.Name)
	w.pending = append(w.pending, Event{Kind: EventTransition, From: from.ID, Step: step.ID})
}

func (w *Wizard) reportErrorLocked(message string) {
	errStep, _ := w.main.Get(StepErrorPage)
	errStep.fields[fieldMessage] = message
	w.logger.Errorf("Calibration error: %s", message)
	w.pending = append(w.pending, Event{Kind: EventError, From: w.current.ID, Step: StepErrorPage, Message: message})
	w.transitionLocked(errStep)
}

func (w *Wizard) toStartLocked() {
	w.tool.resetFields()
	w.main.resetFields()
	w.history.Load(nil)
	start, _ := w.main.Get(StepStartPage)
	w.transitionLocked(start)
}

// The helpers below are what behaviours use to change the wizard. Each one
// is a no-op returning false once epoch is stale.

func (w *Wizard) advance(epoch uint64, id StepID) bool {
	w.mu.Lock()
	defer w.unlock()
	if w.epoch != epoch {
		return false
	}
	step, ok := w.lookup(id)
	if !ok {
		return false
	}
	w.transitionLocked(step)
	return true
}

func (w *Wizard) goToStart(epoch uint64) bool {
	w.mu.Lock()
	defer w.unlock()
	if w.epoch != epoch {
		return false
	}
	w.bumpLocked()
	w.toStartLocked()
	return true
}

// fail routes err to the error page unless the wizard has moved on
func (w *Wizard) fail(epoch uint64, err error) bool {
	w.mu.Lock()
	defer w.unlock()
	if w.epoch != epoch {
		w.logger.Debugf("Dropping stale failure: %v", err)
		return false
	}
	w.bumpLocked()
	w.reportErrorLocked(faultMessage(err))
	return true
}

func (w *Wizard) setFields(epoch uint64, id StepID, values map[string]any) bool {
	w.mu.Lock()
	defer w.unlock()
	if w.epoch != epoch {
		return false
	}
	step, ok := w.lookup(id)
	if !ok {
		return false
	}
	for k, v := range values {
		step.fields[k] = v
	}
	return true
}

func (w *Wizard) fields(id StepID) map[string]any {
	snap, _ := w.Step(id)
	return snap.Fields
}

// send issues cmd and routes a failure to the error page
func (w *Wizard) send(ctx context.Context, epoch uint64, cmd Command) bool {
	if _, err := w.channel.Send(ctx, cmd); err != nil {
		w.logger.Warnf("Command %s failed: %v", cmd.Tag(), err)
		w.fail(epoch, err)
		return false
	}
	return true
}

// updateHistory runs fn against the history view and refreshes the fields of
// the history step
func (w *Wizard) updateHistory(epoch uint64, fn func(h *HistoryView) error) (bool, error) {
	w.mu.Lock()
	defer w.unlock()
	if w.epoch != epoch {
		return false, nil
	}
	if err := fn(w.history); err != nil {
		return true, err
	}
	step, _ := w.tool.Get(StepHistoryView)
	step.fields[fieldPage] = w.history.CurrentPage()
	step.fields[fieldTotalPages] = w.history.TotalPages()
	step.fields[fieldCount] = w.history.Count()
	step.fields[fieldRecords] = w.history.Current()
	if rec, ok := w.history.Selected(); ok {
		step.fields[fieldSelected] = rec
	} else {
		delete(step.fields, fieldSelected)
	}
	return true, nil
}
