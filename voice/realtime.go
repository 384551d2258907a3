package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	realtimeBaseURL    = "wss://api.openai.com/v1/realtime"
	defaultDialTimeout = 15 * time.Second
)

// OpenAIDialer opens realtime websocket sessions against the OpenAI API
// using an ephemeral client secret.
type OpenAIDialer struct {
	// URL overrides the realtime endpoint, mainly for tests.
	URL string
}

func (d *OpenAIDialer) Dial(ctx context.Context, cfg ConnectConfig) (Transport, error) {
	base := d.URL
	if base == "" {
		base = realtimeBaseURL
	}
	wsURL := base + "?model=" + url.QueryEscape(cfg.Model)

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+cfg.Credential)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial failed: %w", err)
	}

	t := &realtimeTransport{
		conn:   conn,
		events: make(chan Event, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		items:  map[string]*HistoryItem{},
	}

	if err := t.sendSessionUpdate(cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send session update: %w", err)
	}

	go t.readLoop()
	return t, nil
}

// realtimeTransport folds the OpenAI realtime event stream into the
// session-facing contract: full-history snapshots plus tool invocations.
type realtimeTransport struct {
	conn *websocket.Conn

	events chan Event
	stop   chan struct{}
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	// conversation projection, touched only by readLoop
	order []string
	items map[string]*HistoryItem
}

func (t *realtimeTransport) Events() <-chan Event {
	return t.events
}

func (t *realtimeTransport) SendToolOutput(callID, output string) error {
	err := t.sendJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
	if err != nil {
		return err
	}
	return t.sendJSON(map[string]any{"type": "response.create"})
}

// SendAudio appends a PCM frame to the model's input buffer. Turn-taking is
// decided model-side by the configured voice activity detector.
func (t *realtimeTransport) SendAudio(pcm []byte) error {
	return t.sendJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (t *realtimeTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.stop)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
	<-t.done
	return nil
}

func (t *realtimeTransport) sendSessionUpdate(cfg ConnectConfig) error {
	return t.sendJSON(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":   []string{"text", "audio"},
			"voice":        cfg.Voice,
			"instructions": cfg.Instructions,
			"input_audio_transcription": map[string]any{
				"model": cfg.TranscriptionModel,
			},
			"turn_detection": cfg.TurnDetection,
			"tools":          realtimeTools(cfg.Tools),
			"tool_choice":    "auto",
		},
	})
}

func realtimeTools(decls []ToolDecl) []map[string]any {
	tools := make([]map[string]any, len(decls))
	for i, decl := range decls {
		tools[i] = map[string]any{
			"type":        "function",
			"name":        decl.Name,
			"description": decl.Description,
			"strict":      true,
			"parameters":  decl.Parameters,
		}
	}
	return tools
}

func (t *realtimeTransport) sendJSON(v any) error {
	if t.closed.Load() {
		return fmt.Errorf("realtime transport is closed")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *realtimeTransport) readLoop() {
	defer close(t.done)
	defer close(t.events)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !t.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.emit(ErrorEvent{Err: err})
			}
			return
		}
		t.handleFrame(data)
	}
}

func (t *realtimeTransport) emit(event Event) {
	select {
	case t.events <- event:
	case <-t.stop:
	}
}

// serverItem is the wire shape of a conversation item.
type serverItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Role      string `json:"role"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Content   []struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		Transcript string `json:"transcript"`
	} `json:"content"`
}

func (t *realtimeTransport) handleFrame(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.emit(ErrorEvent{Err: fmt.Errorf("decode realtime frame: %w", err)})
		return
	}

	switch envelope.Type {
	case "error":
		var frame struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.emit(ErrorEvent{Err: fmt.Errorf("decode realtime error frame: %w", err)})
			return
		}
		t.emit(ErrorEvent{Err: fmt.Errorf("realtime: %s", frame.Error.Message)})

	case "conversation.item.created":
		var frame struct {
			Item serverItem `json:"item"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		t.upsert(frame.Item)
		t.emitHistory()

	case "conversation.item.input_audio_transcription.completed":
		var frame struct {
			ItemID     string `json:"item_id"`
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		t.setTranscript(frame.ItemID, "user", frame.Transcript)
		t.emitHistory()

	case "response.audio_transcript.done":
		var frame struct {
			ItemID     string `json:"item_id"`
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		t.setTranscript(frame.ItemID, "assistant", frame.Transcript)
		t.emitHistory()

	case "response.output_item.done":
		var frame struct {
			Item serverItem `json:"item"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		t.upsert(frame.Item)
		t.emitHistory()
		if frame.Item.Type == "function_call" {
			t.emit(ToolCallEvent{
				CallID:    frame.Item.CallID,
				Name:      frame.Item.Name,
				Arguments: frame.Item.Arguments,
			})
		}

	default:
		// deltas, audio buffers and acks are not part of the history contract
	}
}

func (t *realtimeTransport) upsert(item serverItem) {
	if item.ID == "" || (item.Type != "message" && item.Type != "function_call") {
		return
	}

	existing, ok := t.items[item.ID]
	if !ok {
		existing = &HistoryItem{}
		t.items[item.ID] = existing
		t.order = append(t.order, item.ID)
	}

	existing.Type = item.Type
	existing.Role = item.Role
	existing.Name = item.Name
	if item.Arguments != "" {
		existing.Arguments = item.Arguments
	}
	if len(item.Content) > 0 {
		content := make([]ContentPart, len(item.Content))
		for i, part := range item.Content {
			content[i] = ContentPart{Text: part.Text, Transcript: part.Transcript}
		}
		// transcription may have landed before the item body
		if len(existing.Content) > 0 && existing.Content[0].Transcript != "" && content[0].Transcript == "" {
			content[0].Transcript = existing.Content[0].Transcript
		}
		existing.Content = content
	}
}

func (t *realtimeTransport) setTranscript(itemID, role, transcript string) {
	if itemID == "" || transcript == "" {
		return
	}

	item, ok := t.items[itemID]
	if !ok {
		item = &HistoryItem{Type: "message", Role: role}
		t.items[itemID] = item
		t.order = append(t.order, itemID)
	}
	if len(item.Content) == 0 {
		item.Content = []ContentPart{{}}
	}
	item.Content[0].Transcript = transcript
}

// emitHistory sends a full snapshot: the consumer always replaces its
// transcript with the latest history, never merges.
func (t *realtimeTransport) emitHistory() {
	items := make([]HistoryItem, 0, len(t.order))
	for _, id := range t.order {
		items = append(items, *t.items[id])
	}
	t.emit(HistoryEvent{Items: items})
}
