package voice

import "github.com/talkform/talkform/model"

// View is a read projection of the session for display: connection state,
// the recent transcript and the answers recorded so far. It carries no
// invariants of its own.
type View struct {
	State      State            `json:"state"`
	Connecting bool             `json:"connecting"`
	Err        string           `json:"error,omitempty"`
	Messages   []Message        `json:"messages"`
	Submission model.Submission `json:"submission"`
}

func (s *Session) View() View {
	s.mu.Lock()
	state := s.state
	lastErr := s.lastErr

	messages := s.messages
	if limit := s.opts.TranscriptLimit; len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	recent := make([]Message, len(messages))
	copy(recent, messages)
	s.mu.Unlock()

	view := View{
		State:      state,
		Connecting: state == StateConnecting,
		Messages:   recent,
		Submission: s.sub.Snapshot(),
	}
	if lastErr != nil {
		view.Err = lastErr.Error()
	}
	return view
}
