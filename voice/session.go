package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/talkform/talkform/log"
	"github.com/talkform/talkform/model"
)

// TokenSource fetches a short-lived credential for one realtime session.
type TokenSource interface {
	EphemeralToken(ctx context.Context) (string, error)
}

// Sink accepts a completed submission for idempotent storage.
type Sink interface {
	Submit(ctx context.Context, formID int, token string, data model.Submission) (submissionID int, err error)
}

// SchemaStore resolves a form's field catalogue for a possession token.
type SchemaStore interface {
	Schema(ctx context.Context, formID int, token string) ([]model.FormField, error)
}

// Deps are the external collaborators of a Session.
type Deps struct {
	Tokens TokenSource
	Dialer Dialer
	Sink   Sink
}

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultVoice              = "alloy"
	defaultModel              = "gpt-4o-mini-realtime-preview"
	defaultTranscriptionModel = "gpt-4o-mini-transcribe"
	defaultDisconnectDelay    = 2 * time.Second
	defaultTranscriptLimit    = 50
	submitTimeout             = 30 * time.Second
)

// DefaultTurnDetection is tuned for survey turn-taking: moderate energy
// threshold, a little pre-roll, half a second of silence ends the turn.
func DefaultTurnDetection() TurnDetection {
	return TurnDetection{
		Type:            "server_vad",
		Threshold:       0.5,
		PrefixPaddingMs: 300,
		SilenceDuration: 500,
	}
}

// Options tune a Session. The zero value selects sensible defaults.
type Options struct {
	Model              string
	Voice              string
	TranscriptionModel string
	TurnDetection      TurnDetection

	// DisconnectDelay is how long a successful submit leaves the session
	// open so the closing acknowledgment can be heard.
	DisconnectDelay time.Duration

	// ValidateAtSubmit makes validate_submission and submit_form check
	// required answers instead of trusting the conversation flow.
	ValidateAtSubmit bool

	// TranscriptLimit caps how many recent messages View returns.
	TranscriptLimit int

	// Observer is notified on every applied answer.
	Observer Observer
}

func (o Options) withDefaults() Options {
	if o.Model == "" {
		o.Model = defaultModel
	}
	if o.Voice == "" {
		o.Voice = defaultVoice
	}
	if o.TranscriptionModel == "" {
		o.TranscriptionModel = defaultTranscriptionModel
	}
	if o.TurnDetection == (TurnDetection{}) {
		o.TurnDetection = DefaultTurnDetection()
	}
	if o.DisconnectDelay == 0 {
		o.DisconnectDelay = defaultDisconnectDelay
	}
	if o.TranscriptLimit == 0 {
		o.TranscriptLimit = defaultTranscriptLimit
	}
	return o
}

// ErrNotIdle is returned by Connect on a session that is already connecting
// or connected. Callers must gate the connect affordance.
var ErrNotIdle = errors.New("voice: connect requires an idle session")

// Message is one displayed transcript turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session owns one realtime conversation filling one form. Lifecycle:
// idle -> connecting -> connected -> idle. The transcript and the
// processed-call ledger live exactly as long as one connection.
type Session struct {
	formID int
	token  string
	fields []model.FormField
	deps   Deps
	opts   Options

	sub *SubmissionState

	mu        sync.Mutex
	state     State
	lastErr   error
	messages  []Message
	transport Transport
}

func NewSession(formID int, token string, fields []model.FormField, deps Deps, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		formID: formID,
		token:  token,
		fields: fields,
		deps:   deps,
		opts:   opts,
		sub:    NewSubmissionState(opts.Observer),
	}
}

// Connect fetches a credential, compiles the interviewer instructions and
// opens the realtime transport. On any failure the session is back to idle
// with the error recorded; there is no automatic retry.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	s.state = StateConnecting
	s.lastErr = nil
	s.mu.Unlock()

	credential, err := s.deps.Tokens.EphemeralToken(ctx)
	if err != nil {
		return s.failConnect(fmt.Errorf("fetch realtime credential: %w", err))
	}

	cfg := ConnectConfig{
		Credential:         credential,
		Model:              s.opts.Model,
		Voice:              s.opts.Voice,
		Instructions:       Instructions(SchemaDescription(s.fields)),
		Tools:              Tools(),
		TurnDetection:      s.opts.TurnDetection,
		TranscriptionModel: s.opts.TranscriptionModel,
	}
	transport, err := s.deps.Dialer.Dial(ctx, cfg)
	if err != nil {
		return s.failConnect(fmt.Errorf("open realtime transport: %w", err))
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// disconnected while dialing
		s.mu.Unlock()
		transport.Close()
		return errors.New("voice: session closed during connect")
	}
	s.transport = transport
	s.state = StateConnected
	s.mu.Unlock()

	go s.dispatch(transport)
	return nil
}

func (s *Session) failConnect(err error) error {
	log.Errorf("voice.connect: %s", err)
	s.mu.Lock()
	s.state = StateIdle
	s.lastErr = err
	s.mu.Unlock()
	return err
}

// Disconnect tears down the transport and clears the transcript and the
// ledger. Safe to call in any state, any number of times.
func (s *Session) Disconnect() {
	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.state = StateIdle
	s.messages = nil
	s.mu.Unlock()

	s.sub.Reset()

	if transport != nil {
		transport.Close()
	}
}

// dispatch is the single loop consuming the transport's ordered event
// stream. Both ingestion paths for an answer (direct tool invocation and the
// function-call record in history) end up in SubmissionState.Apply, so the
// double-delivery hazard collapses into one idempotence check.
func (s *Session) dispatch(transport Transport) {
	for event := range transport.Events() {
		switch event := event.(type) {
		case HistoryEvent:
			s.applyHistory(event.Items)
		case ToolCallEvent:
			output := s.invokeTool(event)
			if err := transport.SendToolOutput(event.CallID, output); err != nil {
				log.Debugf("voice.dispatch.tool_output: %s", err)
			}
		case ErrorEvent:
			log.Errorf("voice.transport: %s", event.Err)
			s.mu.Lock()
			s.lastErr = event.Err
			s.mu.Unlock()
		}
	}

	// the transport closed on its own
	s.mu.Lock()
	closedCurrent := s.transport == transport
	if closedCurrent {
		s.transport = nil
		s.state = StateIdle
		s.messages = nil
	}
	s.mu.Unlock()
	if closedCurrent {
		s.sub.Reset()
	}
}

// applyHistory projects a full history snapshot onto the session: the
// transcript is rebuilt from scratch (never appended to), and every
// update_submission record is routed through the shared ledger.
func (s *Session) applyHistory(items []HistoryItem) {
	messages := make([]Message, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case "message":
			if text := item.PlainText(); text != "" && item.Role != "" {
				messages = append(messages, Message{Role: item.Role, Content: text})
			}
		case "function_call":
			if item.Name != ToolUpdateSubmission {
				continue
			}
			args, err := parseUpdateArgs(item.Arguments)
			if err != nil {
				log.Debugf("voice.history.parse_tool_call: %s", err)
				continue
			}
			if s.sub.Apply(args.Key, args.Value) {
				log.Debugf("voice.history.update_submission: %s = %s", args.Key, args.Value)
			}
		}
	}

	s.mu.Lock()
	if s.state == StateConnected {
		s.messages = messages
	}
	s.mu.Unlock()
}

func (s *Session) invokeTool(call ToolCallEvent) string {
	switch call.Name {
	case ToolUpdateSubmission:
		return s.handleUpdateSubmission(call.Arguments)
	case ToolValidateSubmission:
		return s.handleValidateSubmission()
	case ToolSubmitForm:
		return s.handleSubmitForm()
	default:
		log.Debugf("voice.dispatch.unknown_tool: %s", call.Name)
		return ""
	}
}

// submit hands the current snapshot to the sink. On success the session is
// left connected for DisconnectDelay so the model's goodbye can play out,
// then torn down. On failure everything is preserved for a retry.
func (s *Session) submit() error {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	_, err := s.deps.Sink.Submit(ctx, s.formID, s.token, s.sub.Snapshot())
	if err != nil {
		return err
	}

	time.AfterFunc(s.opts.DisconnectDelay, s.Disconnect)
	return nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Submission returns a snapshot of the answers recorded so far.
func (s *Session) Submission() model.Submission {
	return s.sub.Snapshot()
}
