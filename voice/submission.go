package voice

import (
	"sync"

	"github.com/talkform/talkform/model"
)

// Observer is notified after an answer is applied to the submission.
type Observer func(key string, value any)

// SubmissionState holds the authoritative in-progress submission for one
// session, together with the processed-call ledger that suppresses duplicate
// application of re-emitted tool calls. The ledger is keyed by answer
// content, not by transport-assigned call ids: retried turns can resend the
// same answer under fresh ids, and those must still collapse to one write.
type SubmissionState struct {
	mu       sync.Mutex
	values   model.Submission
	applied  map[string]struct{}
	observer Observer
}

func NewSubmissionState(observer Observer) *SubmissionState {
	return &SubmissionState{
		values:   model.Submission{},
		applied:  map[string]struct{}{},
		observer: observer,
	}
}

// Apply records one answer at most once per distinct (key, raw value) pair.
// The raw value is coerced on the way in: numeric-looking strings become
// numbers, anything else is stored verbatim. Returns false on a duplicate.
func (s *SubmissionState) Apply(key, raw string) bool {
	ledgerKey := ToolUpdateSubmission + "\x1f" + key + "\x1f" + raw

	s.mu.Lock()
	if _, seen := s.applied[ledgerKey]; seen {
		s.mu.Unlock()
		return false
	}
	s.applied[ledgerKey] = struct{}{}

	value := model.CoerceValue(raw)
	s.values[key] = value
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(key, value)
	}
	return true
}

// Snapshot returns a copy of the current submission. Tool invocations run on
// the transport's schedule and must read a consistent snapshot, never a
// value shared with concurrent writers.
func (s *SubmissionState) Snapshot() model.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(model.Submission, len(s.values))
	for k, v := range s.values {
		snapshot[k] = v
	}
	return snapshot
}

// Reset clears both the submission and the ledger. Called on disconnect so a
// fresh session may legitimately re-record previously seen answers.
func (s *SubmissionState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values = model.Submission{}
	s.applied = map[string]struct{}{}
}
