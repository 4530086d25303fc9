package stream

import (
	"strings"
	"sync"

	"conductor/pkg/agent"
	"conductor/pkg/agent/resilience"
	"conductor/pkg/logx"
	"conductor/pkg/utils"
)

// DefaultStatus opens a sequence whose first signal is not a status.
const DefaultStatus = "Processing..."

// State is the adapter lifecycle position.
type State int

const (
	StateIdle State = iota
	StateEmitting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateEmitting:
		return "EMITTING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Adapter enforces the event order for one request:
//
//	status+ (status | source)* chunk* (done | error)
//
// Status and source events may interleave until the first chunk. After it,
// late statuses are dropped and late sources are held back for the done
// payload. Sources are de-duplicated by agent.Artifact.Key. Once a terminal
// event has been sent, or the sink failed, every further call is ignored.
type Adapter struct {
	mu       sync.Mutex
	sink     Sink
	state    State
	seq      int
	chunked  bool
	text     strings.Builder
	sources  []agent.Artifact
	seen     map[string]struct{}
	dropped  int
	ignored  int
	logger   *logx.Logger
	terminal EventType
}

// NewAdapter creates an adapter writing to sink.
func NewAdapter(sink Sink) *Adapter {
	return &Adapter{
		sink:   sink,
		seen:   make(map[string]struct{}),
		logger: logx.NewLogger("stream"),
	}
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Ignored counts the calls that arrived after the adapter terminated.
func (a *Adapter) Ignored() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ignored
}

// Terminal returns the type of the terminal event sent, or "" before it.
func (a *Adapter) Terminal() EventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminal
}

// Status forwards a progress message.
func (a *Adapter) Status(message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed("status") {
		return nil
	}
	if a.chunked {
		a.dropped++
		return nil
	}
	a.state = StateEmitting
	return a.emit(EventStatus, StatusPayload{Message: message})
}

// Source forwards a side-artifact the first time its key is seen.
func (a *Adapter) Source(art agent.Artifact) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed("source") {
		return nil
	}
	key := art.Key()
	if key == "" {
		return nil
	}
	if _, dup := a.seen[key]; dup {
		return nil
	}
	a.seen[key] = struct{}{}
	a.sources = append(a.sources, art)
	if a.chunked {
		return nil
	}
	if err := a.open(); err != nil {
		return err
	}
	return a.emit(EventSource, art)
}

// Chunk forwards a piece of output text.
func (a *Adapter) Chunk(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed("chunk") || text == "" {
		return nil
	}
	if err := a.open(); err != nil {
		return err
	}
	a.chunked = true
	a.text.WriteString(text)
	return a.emit(EventChunk, ChunkPayload{Text: text})
}

// Done sends the terminal done event. The response is the streamed text, or
// res.Output when nothing was streamed. Sources are the union of the streamed
// sources and res.Artifacts.
func (a *Adapter) Done(res agent.Result) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed("done") {
		return nil
	}
	if err := a.open(); err != nil {
		return err
	}
	response := a.text.String()
	if !a.chunked {
		response = res.Output
	}
	sources := agent.MergeArtifacts(a.sources, res.Artifacts)
	if err := a.emit(EventDone, DonePayload{Response: response, Sources: sources}); err != nil {
		return err
	}
	a.terminate(EventDone)
	return nil
}

// Fail sends the terminal error event. Only a user-safe description of err
// leaves the process; the redacted detail is logged.
func (a *Adapter) Fail(err error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed("error") {
		return nil
	}
	if oerr := a.open(); oerr != nil {
		return oerr
	}
	kind := resilience.Classify(err)
	a.logger.Warn("stream failed (%s): %s", kind, utils.RedactError(err))
	if serr := a.emit(EventError, ErrorPayload{Message: resilience.UserMessage(err), Kind: kind.String()}); serr != nil {
		return serr
	}
	a.terminate(EventError)
	return nil
}

// closed reports whether the adapter already terminated, counting the call.
func (a *Adapter) closed(what string) bool {
	if a.state != StateTerminated {
		return false
	}
	a.ignored++
	logx.Debugf("stream: ignoring %s after termination", what)
	return true
}

// open leaves Idle, synthesising the opening status.
func (a *Adapter) open() error {
	if a.state != StateIdle {
		return nil
	}
	a.state = StateEmitting
	return a.emit(EventStatus, StatusPayload{Message: DefaultStatus})
}

func (a *Adapter) emit(t EventType, data any) error {
	a.seq++
	if err := a.sink.Send(Event{Seq: a.seq, Type: t, Data: data}); err != nil {
		a.logger.Debug("sink rejected %s event: %v", t, err)
		a.terminate("")
		return err
	}
	return nil
}

func (a *Adapter) terminate(t EventType) {
	a.state = StateTerminated
	a.terminal = t
	if a.dropped > 0 {
		a.logger.Debug("dropped %d late status events", a.dropped)
	}
}
