package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkform/talkform/model"
)

type fakeTransport struct {
	events chan Event

	mu      sync.Mutex
	outputs []toolOutput
	closed  bool
}

type toolOutput struct {
	callID string
	output string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16)}
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) SendToolOutput(callID, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, toolOutput{callID, output})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) sentOutputs() []toolOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]toolOutput(nil), f.outputs...)
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	cfgs       []ConnectConfig
	err        error
}

func (d *fakeDialer) Dial(ctx context.Context, cfg ConnectConfig) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfgs = append(d.cfgs, cfg)
	if d.err != nil {
		return nil, d.err
	}
	transport := newFakeTransport()
	d.transports = append(d.transports, transport)
	return transport, nil
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) lastConfig() ConnectConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfgs[len(d.cfgs)-1]
}

type fakeTokens struct {
	err error
}

func (f fakeTokens) EphemeralToken(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "ek_test", nil
}

type fakeSink struct {
	mu    sync.Mutex
	calls []model.Submission
	err   error
}

func (f *fakeSink) Submit(ctx context.Context, formID int, token string, data model.Submission) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.calls = append(f.calls, data)
	return len(f.calls), nil
}

func (f *fakeSink) submissions() []model.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Submission(nil), f.calls...)
}

var surveyFields = []model.FormField{
	{Key: "feedback", Title: "Your feedback", Required: true, Type: model.FieldText},
	{Key: "rating", Title: "Overall rating", Required: true, Type: model.FieldLikert},
}

func connectedSession(t *testing.T, sink Sink, opts Options) (*Session, *fakeDialer) {
	t.Helper()

	dialer := &fakeDialer{}
	s := NewSession(7, "form-token", surveyFields, Deps{
		Tokens: fakeTokens{},
		Dialer: dialer,
		Sink:   sink,
	}, opts)

	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, StateConnected, s.State())
	t.Cleanup(s.Disconnect)

	return s, dialer
}

func updateCall(key, value string) HistoryItem {
	return HistoryItem{
		Type:      "function_call",
		Name:      ToolUpdateSubmission,
		Arguments: `{"key":"` + key + `","value":"` + value + `"}`,
	}
}

func userTurn(text string) HistoryItem {
	return HistoryItem{Type: "message", Role: "user", Content: []ContentPart{{Transcript: text}}}
}

func assistantTurn(text string) HistoryItem {
	return HistoryItem{Type: "message", Role: "assistant", Content: []ContentPart{{Text: text}}}
}

func TestConnect_CompilesInstructionsAndTools(t *testing.T) {
	s, dialer := connectedSession(t, &fakeSink{}, Options{})

	cfg := dialer.lastConfig()
	assert.Equal(t, "ek_test", cfg.Credential)
	assert.Equal(t, defaultModel, cfg.Model)
	assert.Equal(t, "alloy", cfg.Voice)
	assert.Equal(t, DefaultTurnDetection(), cfg.TurnDetection)
	assert.Equal(t, "gpt-4o-mini-transcribe", cfg.TranscriptionModel)
	assert.Len(t, cfg.Tools, 3)

	// schema order survives compilation
	posFeedback := strings.Index(cfg.Instructions, "Key: feedback")
	posRating := strings.Index(cfg.Instructions, "Key: rating")
	require.True(t, posFeedback >= 0 && posRating >= 0)
	assert.Less(t, posFeedback, posRating)

	assert.False(t, s.View().Connecting)
}

func TestConnect_CredentialFailure(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession(7, "form-token", surveyFields, Deps{
		Tokens: fakeTokens{err: errors.New("token endpoint down")},
		Dialer: dialer,
		Sink:   &fakeSink{},
	}, Options{})

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, s.State())
	assert.Contains(t, s.View().Err, "token endpoint down")
}

func TestConnect_DialFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("handshake refused")}
	s := NewSession(7, "form-token", surveyFields, Deps{
		Tokens: fakeTokens{},
		Dialer: dialer,
		Sink:   &fakeSink{},
	}, Options{})

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, s.State())
}

func TestConnect_NotIdle(t *testing.T) {
	s, _ := connectedSession(t, &fakeSink{}, Options{})
	assert.ErrorIs(t, s.Connect(context.Background()), ErrNotIdle)
}

func TestHistoryDrivenAnswers(t *testing.T) {
	sink := &fakeSink{}
	s, dialer := connectedSession(t, sink, Options{DisconnectDelay: 5 * time.Millisecond})
	transport := dialer.last()

	transport.events <- HistoryEvent{Items: []HistoryItem{
		assistantTurn("What stood out to you this quarter?"),
		userTurn("great team"),
		updateCall("feedback", "great team"),
	}}
	// the transport redelivers the whole history, extended
	transport.events <- HistoryEvent{Items: []HistoryItem{
		assistantTurn("What stood out to you this quarter?"),
		userTurn("great team"),
		updateCall("feedback", "great team"),
		assistantTurn("On a scale of 1 to 5, how would you rate the quarter?"),
		userTurn("5"),
		updateCall("rating", "5"),
	}}

	require.Eventually(t, func() bool {
		return len(s.Submission()) == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, model.Submission{
		"feedback": "great team",
		"rating":   int64(5),
	}, s.Submission())

	// transcript is the replaced full history, not an accumulation
	view := s.View()
	require.Len(t, view.Messages, 4)
	assert.Equal(t, Message{Role: "user", Content: "5"}, view.Messages[3])

	transport.events <- ToolCallEvent{CallID: "call_1", Name: ToolSubmitForm}

	require.Eventually(t, func() bool {
		return len(sink.submissions()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, model.Submission{
		"feedback": "great team",
		"rating":   int64(5),
	}, sink.submissions()[0])

	outputs := transport.sentOutputs()
	require.Len(t, outputs, 1)
	assert.Equal(t, "call_1", outputs[0].callID)
	assert.Contains(t, outputs[0].output, "SUBMISSION_SUCCESS")

	// disconnection is scheduled shortly after a successful submit
	require.Eventually(t, func() bool {
		return s.State() == StateIdle
	}, time.Second, time.Millisecond)
	assert.Empty(t, s.Submission())
}

func TestSubmitFailure_PreservesSessionAndSubmission(t *testing.T) {
	sink := &fakeSink{err: errors.New("sink unavailable")}
	s, dialer := connectedSession(t, sink, Options{})
	transport := dialer.last()

	transport.events <- HistoryEvent{Items: []HistoryItem{
		updateCall("feedback", "great team"),
		updateCall("rating", "5"),
	}}
	transport.events <- ToolCallEvent{CallID: "call_9", Name: ToolSubmitForm}

	require.Eventually(t, func() bool {
		return len(transport.sentOutputs()) == 1
	}, time.Second, time.Millisecond)

	out := transport.sentOutputs()[0]
	assert.Contains(t, out.output, "SUBMISSION_FAILED")
	assert.Contains(t, out.output, "sink unavailable")
	assert.Contains(t, out.output, "manual form")

	// the session survives for a retry, with the submission intact
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, model.Submission{
		"feedback": "great team",
		"rating":   int64(5),
	}, s.Submission())
}

func TestToolCallAndHistoryPathsConverge(t *testing.T) {
	s, dialer := connectedSession(t, &fakeSink{}, Options{})
	transport := dialer.last()

	// the same logical answer arrives through both ingestion paths
	transport.events <- ToolCallEvent{
		CallID:    "call_2",
		Name:      ToolUpdateSubmission,
		Arguments: `{"key":"rating","value":"4"}`,
	}
	transport.events <- HistoryEvent{Items: []HistoryItem{
		updateCall("rating", "4"),
	}}

	require.Eventually(t, func() bool {
		return len(transport.sentOutputs()) == 1
	}, time.Second, time.Millisecond)

	// first writer won, second application was a no-op
	assert.Equal(t, model.Submission{"rating": int64(4)}, s.Submission())
	assert.Equal(t, "", transport.sentOutputs()[0].output)
}

func TestMalformedToolArgumentsAreDropped(t *testing.T) {
	s, dialer := connectedSession(t, &fakeSink{}, Options{})
	transport := dialer.last()

	transport.events <- HistoryEvent{Items: []HistoryItem{
		{Type: "function_call", Name: ToolUpdateSubmission, Arguments: `{"key": `},
		updateCall("feedback", "still works"),
	}}

	require.Eventually(t, func() bool {
		return len(s.Submission()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, model.Submission{"feedback": "still works"}, s.Submission())
	assert.Equal(t, StateConnected, s.State())
}

func TestTransportErrorKeepsSessionConnected(t *testing.T) {
	s, dialer := connectedSession(t, &fakeSink{}, Options{})
	transport := dialer.last()

	transport.events <- ErrorEvent{Err: errors.New("stream hiccup")}

	require.Eventually(t, func() bool {
		return s.View().Err != ""
	}, time.Second, time.Millisecond)
	assert.Contains(t, s.View().Err, "stream hiccup")
	assert.Equal(t, StateConnected, s.State())
}

func TestDisconnect_ClearsLedgerAndTranscript(t *testing.T) {
	s, dialer := connectedSession(t, &fakeSink{}, Options{})
	transport := dialer.last()

	transport.events <- HistoryEvent{Items: []HistoryItem{
		userTurn("great team"),
		updateCall("feedback", "great team"),
	}}
	require.Eventually(t, func() bool {
		return len(s.Submission()) == 1
	}, time.Second, time.Millisecond)

	s.Disconnect()
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.Submission())
	assert.Empty(t, s.View().Messages)

	// a second disconnect is a safe no-op
	s.Disconnect()

	// after reconnecting, a previously seen pair is no longer a duplicate
	require.NoError(t, s.Connect(context.Background()))
	dialer.last().events <- HistoryEvent{Items: []HistoryItem{
		updateCall("feedback", "great team"),
	}}
	require.Eventually(t, func() bool {
		return len(s.Submission()) == 1
	}, time.Second, time.Millisecond)
}

func TestTransportShutdownFoldsToIdle(t *testing.T) {
	s, dialer := connectedSession(t, &fakeSink{}, Options{})
	transport := dialer.last()

	transport.events <- HistoryEvent{Items: []HistoryItem{userTurn("hello")}}
	transport.Close()

	require.Eventually(t, func() bool {
		return s.State() == StateIdle
	}, time.Second, time.Millisecond)
	assert.Empty(t, s.View().Messages)
	assert.Empty(t, s.Submission())
}

func TestSubmitForm_ValidateAtSubmit(t *testing.T) {
	sink := &fakeSink{}
	s, dialer := connectedSession(t, sink, Options{ValidateAtSubmit: true})
	transport := dialer.last()

	transport.events <- ToolCallEvent{CallID: "call_3", Name: ToolSubmitForm}

	require.Eventually(t, func() bool {
		return len(transport.sentOutputs()) == 1
	}, time.Second, time.Millisecond)
	assert.Contains(t, transport.sentOutputs()[0].output, "SUBMISSION_FAILED")
	assert.Empty(t, sink.submissions())
	assert.Equal(t, StateConnected, s.State())
}
