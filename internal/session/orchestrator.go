package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/attachment"
	"chatrelay/internal/launcher"
	"chatrelay/internal/prompt"
	"chatrelay/internal/stream"
	"chatrelay/internal/transcript"

	"go.uber.org/zap"
)

const recordTimeout = 5 * time.Second

// ProcessStarter launches one agent process per turn.
type ProcessStarter interface {
	Start(ctx context.Context, req launcher.Request) (*launcher.Handle, error)
}

// WorkspaceProvider supplies the directory for sessions that have none.
type WorkspaceProvider interface {
	Current() string
}

// ModelRegistry validates model ids.
type ModelRegistry interface {
	Normalize(model string) (string, error)
	Default() string
}

// TurnRecorder persists finished turns.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, t transcript.Turn) error
}

// Deps are the collaborators shared by every session. Attachments and
// Recorder may be nil.
type Deps struct {
	Starter     ProcessStarter
	Workspace   WorkspaceProvider
	Models      ModelRegistry
	Attachments attachment.Resolver
	Recorder    TurnRecorder

	// Resume passes the latched continuation id back to the agent and sends
	// only the new message instead of the flattened history.
	Resume bool

	Logger *zap.Logger
}

// Orchestrator runs the turns of one chat session. At most one agent process
// is live per Orchestrator; a new turn is rejected until the current one
// completes, fails, or is cancelled.
//
// Lock order is emitMu then mu. emitMu is held across a state change and the
// event reporting it so the sink observes events in state-machine order.
type Orchestrator struct {
	deps    Deps
	logger  *zap.Logger
	scanner *stream.ContinuationScanner

	emitMu sync.Mutex
	sink   Sink

	mu     sync.Mutex
	sess   Session
	turn   *turn
	closed bool
}

type turn struct {
	model   string
	prompt  string
	started time.Time

	handle *launcher.Handle
	stream *stream.Stream

	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

func (t *turn) requestCancel() {
	t.cancelOnce.Do(func() { close(t.cancel) })
}

func (t *turn) cancelRequested() bool {
	select {
	case <-t.cancel:
		return true
	default:
		return false
	}
}

func newOrchestrator(sess Session, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:    deps,
		logger:  logger.With(zap.String("component", "session"), zap.String("session_id", sess.ID)),
		scanner: stream.NewContinuationScanner(),
		sess:    sess,
	}
}

// ID returns the session id.
func (o *Orchestrator) ID() string { return o.sess.ID }

// Attach sets the sink that receives this session's events.
func (o *Orchestrator) Attach(sink Sink) error {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	if o.sink != nil {
		return ErrAlreadyAttached
	}
	o.sink = sink
	return nil
}

// Detach removes the sink. Events generated while detached are dropped.
func (o *Orchestrator) Detach() {
	o.emitMu.Lock()
	o.sink = nil
	o.emitMu.Unlock()
}

// emit delivers ev to the sink. The caller holds emitMu.
func (o *Orchestrator) emit(ev Event) {
	if o.sink != nil {
		o.sink(ev)
	}
}

// HandleMessage starts a turn: it records the user message, emits
// user_message, and launches the agent. It returns once the process is
// running; the rest of the turn is reported through the sink. A launch
// failure is reported as an error event, not as a returned error.
func (o *Orchestrator) HandleMessage(content string, attachmentIDs []string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}

	var paths []string
	if o.deps.Attachments != nil && len(attachmentIDs) > 0 {
		paths = o.deps.Attachments.Resolve(o.sess.ID, attachmentIDs)
	}

	o.emitMu.Lock()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.emitMu.Unlock()
		return ErrClosed
	}
	if o.turn != nil {
		o.mu.Unlock()
		o.emitMu.Unlock()
		return ErrTurnInProgress
	}

	history := make([]prompt.Turn, len(o.sess.Messages))
	for i, m := range o.sess.Messages {
		history[i] = prompt.Turn{Role: string(m.Role), Content: m.Content}
	}

	msg := newMessage(RoleUser, content, attachmentIDs)
	o.sess.Messages = append(o.sess.Messages, msg)
	if len(o.sess.Messages) == 1 {
		o.sess.Name = nameFromContent(content)
	}

	workdir := o.sess.Workspace
	if workdir == "" && o.deps.Workspace != nil {
		workdir = o.deps.Workspace.Current()
	}

	req := launcher.Request{WorkDir: workdir, Model: o.sess.Model}
	if id := o.scanner.ID(); o.deps.Resume && id != "" {
		req.ResumeID = id
		req.Prompt = prompt.Build(nil, content, paths)
	} else {
		req.Prompt = prompt.Build(history, content, paths)
	}

	t := &turn{
		model:   req.Model,
		prompt:  req.Prompt,
		started: time.Now(),
		cancel:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	o.turn = t
	o.mu.Unlock()

	o.emit(Event{Type: EventUserMessage, Message: &msg})
	o.emitMu.Unlock()

	h, err := o.deps.Starter.Start(context.Background(), req)
	if err != nil {
		o.logger.Warn("agent launch failed", zap.Error(err))
		o.emitMu.Lock()
		o.mu.Lock()
		o.turn = nil
		o.mu.Unlock()
		o.emit(Event{Type: EventError, Error: err.Error()})
		o.emitMu.Unlock()
		close(t.done)
		o.record(t, transcript.OutcomeError, stream.Result{ExitCode: -1}, err)
		return nil
	}

	t.handle = h
	t.stream = stream.Multiplex(h, o.scanner, o.logger)
	o.logger.Info("turn started", zap.Int("pid", h.PID), zap.String("model", req.Model))

	go o.run(t)
	return nil
}

func (o *Orchestrator) run(t *turn) {
	defer close(t.done)
	chunks := t.stream.Chunks()

	for {
		// A pending cancel wins over buffered output.
		if t.cancelRequested() {
			o.abort(t)
			return
		}

		select {
		case <-t.cancel:
			o.abort(t)
			return
		case c, ok := <-chunks:
			if !ok {
				o.finish(t)
				return
			}
			o.emitMu.Lock()
			if !t.cancelRequested() {
				o.emit(Event{Type: EventStream, Content: c.Text})
			}
			o.emitMu.Unlock()
		}
	}
}

// abort terminates the process and reports the turn as cancelled. Streamed
// content is discarded.
func (o *Orchestrator) abort(t *turn) {
	t.handle.Terminate()
	res := t.stream.Drain()

	o.emitMu.Lock()
	o.mu.Lock()
	o.sess.ContinuationID = o.scanner.ID()
	o.turn = nil
	o.mu.Unlock()
	o.emit(Event{Type: EventCancelled})
	o.emitMu.Unlock()

	o.logger.Info("turn cancelled", zap.Int("pid", t.handle.PID), zap.Int("exit_code", res.ExitCode))
	o.record(t, transcript.OutcomeCancelled, res, nil)
}

// finish reports a turn whose process exited on its own.
func (o *Orchestrator) finish(t *turn) {
	res := t.stream.Result()
	if res.ReadErr != nil {
		o.logger.Warn("agent output truncated by read failure", zap.Error(res.ReadErr))
	}

	o.emitMu.Lock()
	o.mu.Lock()
	o.sess.ContinuationID = o.scanner.ID()
	o.turn = nil

	var ev Event
	if res.Err != nil {
		// Keep whatever the agent managed to say before failing.
		if res.Forwarded {
			o.sess.Messages = append(o.sess.Messages, newMessage(RoleAssistant, res.Content, nil))
		}
		ev = Event{Type: EventError, Error: res.Err.Error()}
	} else {
		msg := newMessage(RoleAssistant, res.Content, nil)
		o.sess.Messages = append(o.sess.Messages, msg)
		ev = Event{Type: EventComplete, Message: &msg}
	}
	o.mu.Unlock()
	o.emit(ev)
	o.emitMu.Unlock()

	if res.Err != nil {
		o.logger.Warn("turn failed", zap.Int("pid", t.handle.PID), zap.Int("exit_code", res.ExitCode), zap.Error(res.Err))
		o.record(t, transcript.OutcomeError, res, res.Err)
		return
	}
	o.logger.Info("turn complete",
		zap.Int("pid", t.handle.PID),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", time.Since(t.started)))
	o.record(t, transcript.OutcomeComplete, res, nil)
}

func (o *Orchestrator) record(t *turn, outcome string, res stream.Result, err error) {
	if o.deps.Recorder == nil {
		return
	}

	rec := transcript.Turn{
		SessionID:      o.sess.ID,
		Model:          t.model,
		Prompt:         t.prompt,
		Outcome:        outcome,
		ExitCode:       res.ExitCode,
		ContinuationID: res.ContinuationID,
		LatencyMs:      time.Since(t.started).Milliseconds(),
	}
	if outcome != transcript.OutcomeCancelled {
		rec.Content = res.Content
	}
	if err != nil {
		rec.Error = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := o.deps.Recorder.RecordTurn(ctx, rec); err != nil {
		o.logger.Warn("failed to record turn", zap.Error(err))
	}
}

// Cancel stops the running turn and returns after the agent process has been
// reaped and the cancelled event emitted. It reports whether a turn was
// running; cancelling an idle session does nothing.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	t := o.turn
	o.mu.Unlock()
	if t == nil {
		return false
	}
	t.requestCancel()
	<-t.done
	return true
}

// SetModel changes the model used from the next turn on and emits model_set
// with the resulting model. An unknown model leaves the current one in place
// and returns the registry's error alongside it.
func (o *Orchestrator) SetModel(model string) (string, error) {
	id, err := o.deps.Models.Normalize(model)

	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.mu.Lock()
	if err == nil {
		o.sess.Model = id
	}
	current := o.sess.Model
	o.mu.Unlock()

	o.emit(Event{Type: EventModelSet, Model: current})
	if err != nil {
		o.logger.Debug("rejected model", zap.String("model", model), zap.Error(err))
		return current, err
	}
	return current, nil
}

// Rename sets the session name.
func (o *Orchestrator) Rename(name string) {
	o.mu.Lock()
	o.sess.Name = name
	o.mu.Unlock()
}

// Snapshot returns a copy of the session.
func (o *Orchestrator) Snapshot() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sess
	s.Messages = append([]Message(nil), o.sess.Messages...)
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	s.State = StateIdle
	if o.turn != nil {
		s.State = StateStreaming
	}
	return s
}

func (o *Orchestrator) summary() Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	state := StateIdle
	if o.turn != nil {
		state = StateStreaming
	}
	return Summary{
		ID:           o.sess.ID,
		Name:         o.sess.Name,
		Workspace:    o.sess.Workspace,
		Model:        o.sess.Model,
		State:        state,
		MessageCount: len(o.sess.Messages),
		CreatedAt:    o.sess.CreatedAt,
	}
}

// Close detaches the sink and terminates any running turn without emitting
// further events. Later calls to HandleMessage return ErrClosed.
func (o *Orchestrator) Close() {
	o.Detach()

	o.mu.Lock()
	o.closed = true
	t := o.turn
	o.mu.Unlock()

	if t != nil {
		t.requestCancel()
		<-t.done
	}
}

// IsClosed reports whether Close has been called.
func (o *Orchestrator) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
