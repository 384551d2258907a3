package routes

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/talkform/talkform/app"
	"github.com/talkform/talkform/httpx"
	"github.com/talkform/talkform/log"
	"github.com/talkform/talkform/model"
)

var errTokenExpired = errors.New("token expired")

// checkFormToken verifies possession of a live access token for the form.
func checkFormToken(r *http.Request, app app.App, formId int, token string) error {
	if token == "" {
		return sql.ErrNoRows
	}

	var expiresAt time.Time
	err := app.QueryRowContext(r.Context(), `
		SELECT expires_at FROM form_token
		WHERE form_id = ? AND token = ?`,
		formId,
		token,
	).Scan(&expiresAt)
	if err != nil {
		return err
	}

	if expiresAt.Before(time.Now()) {
		return errTokenExpired
	}
	return nil
}

func PublicGetFormByID(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formId, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		err = checkFormToken(r, app, formId, r.URL.Query().Get("token"))
		switch {
		case errors.Is(err, errTokenExpired):
			httpx.LogStatus(w, http.StatusGone, log.DebugLevel, "get_form.token.expired")
			return
		case errors.Is(err, sql.ErrNoRows):
			httpx.LogNotFound(w, "get_form.token", formId)
			return
		case err != nil:
			httpx.LogInternalError(w, "db.get_form.token", err)
			return
		}

		form := model.Form{}
		err = app.QueryRowContext(r.Context(), `
			SELECT f.version, f.title, f.description, f.submissions_disabled
			FROM form f
			WHERE f.id = ?`,
			formId,
		).Scan(&form.Version, &form.Title, &form.Description, &form.SubmissionsDisabled)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.LogNotFound(w, "get_form", formId)
			return
		}
		if err != nil {
			httpx.LogInternalError(w, "db.get_form", err)
			return
		}

		form.Fields, err = queryFormFields(r, app, formId)
		if err != nil {
			httpx.LogInternalError(w, "db.get_form.fields", err)
			return
		}

		render.JSON(w, r, form)
	}
}

func ValidateFormToken(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formId, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		err = checkFormToken(r, app, formId, r.URL.Query().Get("token"))
		if err != nil && !errors.Is(err, sql.ErrNoRows) && !errors.Is(err, errTokenExpired) {
			httpx.LogInternalError(w, "db.validate_token", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"valid": err == nil,
		})
	}
}

type IpCheck struct {
	op     bool
	ip     string
	result chan<- bool
}

// SubmitForm stores a key/value submission for a form. One submission per
// client IP: concurrent attempts are serialized through a guard goroutine
// before the durable check against past submissions.
func SubmitForm(app app.App) http.HandlerFunc {
	validateIpStart := make(chan IpCheck)
	go func() {
		submissionIPs := make(map[string]bool)

		for {
			req := <-validateIpStart
			if req.op {
				req.result <- submissionIPs[req.ip]
				submissionIPs[req.ip] = true
			} else {
				delete(submissionIPs, req.ip)
			}
		}
	}()

	return func(w http.ResponseWriter, r *http.Request) {
		formId, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		var body struct {
			Token string           `json:"token"`
			Data  model.Submission `json:"data"`
		}
		err = render.DecodeJSON(r.Body, &body)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}

		err = checkFormToken(r, app, formId, body.Token)
		switch {
		case errors.Is(err, errTokenExpired):
			httpx.LogStatus(w, http.StatusGone, log.DebugLevel, "submit.token.expired")
			return
		case errors.Is(err, sql.ErrNoRows):
			httpx.LogNotFound(w, "submit.token", formId)
			return
		case err != nil:
			httpx.LogInternalError(w, "db.submit.token", err)
			return
		}

		var submissionsDisabled bool
		err = app.QueryRowContext(r.Context(), `
			SELECT submissions_disabled FROM form WHERE id = ?`,
			formId,
		).Scan(&submissionsDisabled)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.LogNotFound(w, "submit.get_form", formId)
			return
		}
		if err != nil {
			httpx.LogInternalError(w, "db.submit.get_form", err)
			return
		}
		if submissionsDisabled {
			httpx.LogStatus(w, http.StatusForbidden, log.DebugLevel, "submit.disabled")
			return
		}

		fields, err := queryFormFields(r, app, formId)
		if err != nil {
			httpx.LogInternalError(w, "db.submit.get_fields", err)
			return
		}

		// reject values for keys outside the schema
		known := make(map[string]bool, len(fields))
		for _, f := range fields {
			known[f.Key] = true
		}
		for key := range body.Data {
			if !known[key] {
				httpx.LogStatusMsg(w, http.StatusUnprocessableEntity, log.DebugLevel, "submit.validate",
					"unknown field key %q", key)
				return
			}
		}

		if fieldErrs := model.ValidateForm(fields, body.Data); len(fieldErrs) > 0 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			render.JSON(w, r, map[string]any{
				"errors": fieldErrs,
			})
			return
		}

		ip := strings.Split(r.RemoteAddr, ":")[0]
		// check ip is not submitting now
		validateIpDone := make(chan bool)
		validateIpStart <- IpCheck{true, ip, validateIpDone}
		if <-validateIpDone {
			httpx.LogStatus(w, http.StatusConflict, log.DebugLevel, "ip.already_submitted")
			return
		}
		defer func() { validateIpStart <- IpCheck{false, ip, nil} }()
		// check ip did not already submit
		var alreadySubmitted bool
		err = app.QueryRowContext(r.Context(), `
			SELECT 1 FROM submission
			WHERE form_id = ?
				AND ip = ?`,
			formId,
			ip,
		).Scan(&alreadySubmitted)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			httpx.LogInternalError(w, "db.get_ip.scan", err)
			return
		}
		if alreadySubmitted {
			httpx.LogStatus(w, http.StatusConflict, log.DebugLevel, "ip.already_submitted")
			return
		}

		tx, err := app.BeginTx(r.Context(), nil)
		if err != nil {
			httpx.LogInternalError(w, "db.begin_tx", err)
			return
		}
		defer tx.Rollback()

		var submissionId int
		err = tx.QueryRowContext(r.Context(), `
			INSERT INTO submission (form_id, time, ip) VALUES (?, ?, ?)
			RETURNING id`,
			formId,
			time.Now(),
			ip,
		).Scan(&submissionId)
		if err != nil {
			httpx.LogInternalError(w, "db.insert_submission", err)
			return
		}

		stmt, err := tx.PrepareContext(r.Context(), `
			INSERT INTO submission_field (submission_id, key, value)
			VALUES (?, ?, ?)`)
		if err != nil {
			httpx.LogInternalError(w, "db.insert_submission.fields.prepare", err)
			return
		}
		defer stmt.Close()

		for key, value := range body.Data {
			valueJson, err := json.Marshal(value)
			if err != nil {
				httpx.LogInternalError(w, "db.insert_submission.fields.parse_value", err)
				return
			}
			_, err = stmt.ExecContext(r.Context(), submissionId, key, string(valueJson))
			if err != nil {
				httpx.LogInternalError(w, "db.insert_submission.fields.insert", err)
				return
			}
		}

		err = tx.Commit()
		if err != nil {
			httpx.LogInternalError(w, "db.insert_submission.commit", err)
			return
		}

		w.WriteHeader(http.StatusCreated)
		render.JSON(w, r, map[string]any{
			"success":      true,
			"submissionId": submissionId,
		})
	}
}
