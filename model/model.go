package model

import "time"

type Form struct {
	ID                  int         `json:"id,omitempty"`
	Version             int         `json:"version,omitempty"`
	Title               string      `json:"title"`
	Description         string      `json:"description"`
	SubmissionsDisabled bool        `json:"submissionsDisabled,omitempty"`
	Fields              []FormField `json:"fields"`
}

type FormField struct {
	Key         string `json:"key,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Type        string `json:"type"`
}

// Submission maps field keys to answer values: a string for text fields,
// an integer in [1,5] for likert fields.
type Submission map[string]any

type FieldError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

type AccessToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type SubmissionRecord struct {
	ID     int        `json:"id"`
	Time   time.Time  `json:"time"`
	IP     string     `json:"ip"`
	Fields Submission `json:"fields"`
}
