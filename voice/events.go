// Package voice drives a spoken survey interview over a realtime
// conversational model. A Session compiles the form schema into interviewer
// instructions, opens a transport to the model, and folds the conversation's
// history and tool calls into an in-memory submission that is finally handed
// to a Sink.
package voice

import "context"

// Event is one item on a transport's ordered event stream.
type Event interface {
	eventType() string
}

// HistoryEvent carries the full reconstructed conversation history. Each
// snapshot replaces prior knowledge of the transcript: the transport may
// redeliver the whole history on any update.
type HistoryEvent struct {
	Items []HistoryItem
}

func (HistoryEvent) eventType() string { return "history" }

// ToolCallEvent asks the session to execute a declared tool and report its
// output back over the transport.
type ToolCallEvent struct {
	CallID    string
	Name      string
	Arguments string
}

func (ToolCallEvent) eventType() string { return "tool_call" }

// ErrorEvent surfaces a transport runtime error. It does not imply the
// connection was torn down.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) eventType() string { return "error" }

// HistoryItem is one completed turn: either a message (role + content) or a
// function-call record (name + serialized arguments).
type HistoryItem struct {
	Type      string // "message" or "function_call"
	Role      string // "user" or "assistant"
	Name      string
	Arguments string
	Content   []ContentPart
}

// ContentPart holds either model-produced text or transcribed speech.
type ContentPart struct {
	Text       string
	Transcript string
}

// PlainText returns the first non-empty transcript or text of the item.
func (item HistoryItem) PlainText() string {
	for _, part := range item.Content {
		if part.Transcript != "" {
			return part.Transcript
		}
		if part.Text != "" {
			return part.Text
		}
	}
	return ""
}

// Transport is one live bidirectional channel to the conversational model.
// Events is closed when the transport shuts down, from either side.
type Transport interface {
	Events() <-chan Event
	SendToolOutput(callID, output string) error
	Close() error
}

// Dialer opens a Transport with an ephemeral credential.
type Dialer interface {
	Dial(ctx context.Context, cfg ConnectConfig) (Transport, error)
}

// TurnDetection tunes the model-side voice activity detector.
type TurnDetection struct {
	Type            string  `json:"type"`
	Threshold       float64 `json:"threshold"`
	PrefixPaddingMs int     `json:"prefix_padding_ms"`
	SilenceDuration int     `json:"silence_duration_ms"`
}

// ConnectConfig carries everything a Dialer needs to open a session.
type ConnectConfig struct {
	Credential         string
	Model              string
	Voice              string
	Instructions       string
	Tools              []ToolDecl
	TurnDetection      TurnDetection
	TranscriptionModel string
}

// ToolDecl declares a callable operation to the remote model. Parameters are
// strict: no additional properties are accepted.
type ToolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

type ParameterSchema struct {
	Type                 string              `json:"type"`
	Properties           map[string]Property `json:"properties"`
	Required             []string            `json:"required"`
	AdditionalProperties bool                `json:"additionalProperties"`
}

type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}
