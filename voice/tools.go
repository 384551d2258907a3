package voice

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/talkform/talkform/log"
	"github.com/talkform/talkform/model"
)

const (
	ToolUpdateSubmission   = "update_submission"
	ToolValidateSubmission = "validate_submission"
	ToolSubmitForm         = "submit_form"
)

// Tools declares the three operations the remote model may invoke. All run
// autonomously, with no approval gate: the only confirmation step is the
// conversational one driven by the instruction text.
func Tools() []ToolDecl {
	return []ToolDecl{
		{
			Name: ToolUpdateSubmission,
			Description: "Updates the survey submission with a user's answer to a specific question. " +
				"Call this immediately when you receive an answer.",
			Parameters: ParameterSchema{
				Type: "object",
				Properties: map[string]Property{
					"key": {
						Type:        "string",
						Description: "The field key from the survey schema (e.g. 'employee_satisfaction', 'feedback').",
					},
					"value": {
						Type: "string",
						Description: "The user's answer to the question. For text questions use the answer verbatim, " +
							"for likert scale use the number as a string (e.g. '3').",
					},
				},
				Required:             []string{"key", "value"},
				AdditionalProperties: false,
			},
		},
		{
			Name:        ToolValidateSubmission,
			Description: "Validates the current submission to check if all required questions have been answered.",
			Parameters: ParameterSchema{
				Type:                 "object",
				Properties:           map[string]Property{},
				Required:             []string{},
				AdditionalProperties: false,
			},
		},
		{
			Name: ToolSubmitForm,
			Description: "Submits the form and ends the voice session. " +
				"Only call this after the user confirms they want to submit.",
			Parameters: ParameterSchema{
				Type:                 "object",
				Properties:           map[string]Property{},
				Required:             []string{},
				AdditionalProperties: false,
			},
		},
	}
}

type updateArgs struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func parseUpdateArgs(raw string) (updateArgs, error) {
	var args updateArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return args, err
	}
	if args.Key == "" {
		return args, errors.New("update_submission call without a key")
	}
	return args, nil
}

// handleUpdateSubmission always acknowledges with an empty string so the
// model does not react to the outcome. The same call also reaches the
// session through the history stream; both paths share the ledger, so
// whichever lands first wins and the other is a no-op.
func (s *Session) handleUpdateSubmission(rawArgs string) string {
	args, err := parseUpdateArgs(rawArgs)
	if err != nil {
		log.Debugf("voice.tool.update_submission.parse_args: %s", err)
		return ""
	}

	if s.sub.Apply(args.Key, args.Value) {
		log.Debugf("voice.tool.update_submission: %s = %s", args.Key, args.Value)
	}
	return ""
}

func (s *Session) handleValidateSubmission() string {
	if !s.opts.ValidateAtSubmit {
		return "VALIDATION_SUCCESS: Proceeding without validation."
	}

	if missing := s.missingAnswers(); missing != "" {
		return "VALIDATION_FAILED: Missing required questions: " + missing + ". Please ask for these answers."
	}
	return "VALIDATION_SUCCESS: All required questions have been answered."
}

func (s *Session) handleSubmitForm() string {
	if s.opts.ValidateAtSubmit {
		if missing := s.missingAnswers(); missing != "" {
			return "SUBMISSION_FAILED: missing required questions: " + missing + ". Please ask for these answers."
		}
	}

	err := s.submit()
	if err != nil {
		log.Errorf("voice.tool.submit_form: %s", err)
		return "SUBMISSION_FAILED: " + err.Error() + ". Please ask the user to use the manual form."
	}
	return "SUBMISSION_SUCCESS: The survey has been submitted. Thank you for your feedback."
}

// missingAnswers names invalid or unanswered required fields by title.
func (s *Session) missingAnswers() string {
	fieldErrs := model.ValidateForm(s.fields, s.sub.Snapshot())
	if len(fieldErrs) == 0 {
		return ""
	}

	titles := make(map[string]string, len(s.fields))
	for _, f := range s.fields {
		titles[f.Key] = f.Title
	}

	names := make([]string, len(fieldErrs))
	for i, e := range fieldErrs {
		if title, ok := titles[e.Key]; ok {
			names[i] = `"` + title + `"`
		} else {
			names[i] = e.Key
		}
	}
	return strings.Join(names, ", ")
}
