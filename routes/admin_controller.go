package routes

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/gofrs/uuid"
	"github.com/talkform/talkform/app"
	"github.com/talkform/talkform/httpx"
	"github.com/talkform/talkform/log"
	"github.com/talkform/talkform/model"
)

func CreateForm(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		form := model.Form{}
		err := render.DecodeJSON(r.Body, &form)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}

		if form.Title == "" {
			httpx.LogStatusMsg(w, http.StatusUnprocessableEntity, log.DebugLevel, "form.validate", "title is required")
			return
		}
		for _, f := range form.Fields {
			if f.Title == "" || !model.ValidFieldType(f.Type) {
				httpx.LogStatusMsg(w, http.StatusUnprocessableEntity, log.DebugLevel, "form.validate.fields",
					"every field needs a title and a type of text or likert")
				return
			}
		}

		tx, err := app.BeginTx(r.Context(), nil)
		if err != nil {
			httpx.LogInternalError(w, "db.begin_tx", err)
			return
		}
		defer tx.Rollback()

		var formId, version int
		err = tx.QueryRowContext(r.Context(), `
		INSERT INTO form (title, description) VALUES (?, ?)
		RETURNING id, version`,
			form.Title,
			form.Description,
		).Scan(&formId, &version)
		if err != nil {
			httpx.LogInternalError(w, "db.insert_form", err)
			return
		}

		err = insertFormFields(r, tx, formId, form.Fields)
		if err != nil {
			httpx.LogInternalError(w, "db.insert_form.fields", err)
			return
		}

		token, err := mintFormToken(r, tx, formId, app.FormTokenTTL)
		if err != nil {
			httpx.LogInternalError(w, "db.insert_form.token", err)
			return
		}

		err = tx.Commit()
		if err != nil {
			httpx.LogInternalError(w, "db.insert_form.commit", err)
			return
		}

		w.WriteHeader(http.StatusCreated)
		render.JSON(w, r, map[string]any{
			"id":      formId,
			"version": version,
			"token":   token,
		})
	}
}

// insertFormFields stores fields in schema order, deriving each key from its
// title and keeping keys unique within the form.
func insertFormFields(r *http.Request, tx *sql.Tx, formId int, fields []model.FormField) error {
	stmt, err := tx.PrepareContext(r.Context(), `
		INSERT INTO form_field (form_id, position, key, title, description, required, type)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	keys := make([]string, 0, len(fields))
	for i, f := range fields {
		key := model.GenerateKey(f.Title, keys)
		keys = append(keys, key)

		_, err := stmt.ExecContext(r.Context(), formId, i, key, f.Title, f.Description, f.Required, f.Type)
		if err != nil {
			return err
		}
	}
	return nil
}

func mintFormToken(r *http.Request, tx *sql.Tx, formId int, ttl time.Duration) (model.AccessToken, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return model.AccessToken{}, err
	}

	token := model.AccessToken{
		Token:     id.String(),
		ExpiresAt: time.Now().Add(ttl),
	}
	_, err = tx.ExecContext(r.Context(), `
		INSERT INTO form_token (form_id, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (form_id) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at`,
		formId,
		token.Token,
		token.ExpiresAt,
	)
	return token, err
}

func ListForms(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := app.QueryContext(r.Context(), `
		SELECT f.id, f.version, f.title, f.description, f.submissions_disabled
		FROM form f`)
		if err != nil {
			httpx.LogInternalError(w, "db.get_forms", err)
			return
		}
		defer rows.Close()

		forms := []model.Form{}
		for rows.Next() {
			f := model.Form{}
			err = rows.Scan(&f.ID, &f.Version, &f.Title, &f.Description, &f.SubmissionsDisabled)
			if err != nil {
				httpx.LogInternalError(w, "db.get_forms.scan", err)
				return
			}

			forms = append(forms, f)
		}

		render.JSON(w, r, map[string]any{
			"forms": forms,
		})
	}
}

func GetFormByID(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formId, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		form := model.Form{}
		err = app.QueryRowContext(r.Context(), `
			SELECT f.id, f.version, f.title, f.description, f.submissions_disabled
			FROM form f
			WHERE f.id = ?`,
			formId,
		).Scan(&form.ID, &form.Version, &form.Title, &form.Description, &form.SubmissionsDisabled)
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

		var token model.AccessToken
		err = app.QueryRowContext(r.Context(), `
			SELECT token, expires_at FROM form_token WHERE form_id = ?`,
			formId,
		).Scan(&token.Token, &token.ExpiresAt)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			httpx.LogInternalError(w, "db.get_form.token", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"form":  form,
			"token": token,
		})
	}
}

func queryFormFields(r *http.Request, app app.App, formId int) ([]model.FormField, error) {
	rows, err := app.QueryContext(r.Context(), `
		SELECT f.key, f.title, f.description, f.required, f.type
		FROM form_field f
		WHERE f.form_id = ?
		ORDER BY f.position`,
		formId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []model.FormField
	for rows.Next() {
		f := model.FormField{}
		err = rows.Scan(&f.Key, &f.Title, &f.Description, &f.Required, &f.Type)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

func UpdateForm(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formId, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		form := model.Form{}
		err = render.DecodeJSON(r.Body, &form)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}

		tx, err := app.BeginTx(r.Context(), nil)
		if err != nil {
			httpx.LogInternalError(w, "db.begin_tx", err)
			return
		}
		defer tx.Rollback()

		// replace all fields, regenerating keys from the new titles
		_, err = tx.ExecContext(r.Context(), `
			DELETE FROM form_field
			WHERE form_id = ?`,
			formId,
		)
		if err != nil {
			httpx.LogInternalError(w, "db.update_form.delete_fields", err)
			return
		}

		err = insertFormFields(r, tx, formId, form.Fields)
		if err != nil {
			httpx.LogInternalError(w, "db.update_form.fields", err)
			return
		}

		res, err := tx.ExecContext(r.Context(), `
			UPDATE form
			SET
				title = ?,
				description = ?,
				version = version+1
			WHERE	id = ?
				AND version = ?`,
			form.Title,
			form.Description,
			formId,
			form.Version,
		)
		if err != nil {
			httpx.LogInternalError(w, "db.update_form", err)
			return
		}
		// optimistic lock
		n, err := res.RowsAffected()
		if err != nil {
			httpx.LogInternalError(w, "db.update_form.verify", err)
			return
		}
		if n < 1 {
			httpx.LogStatus(w, http.StatusConflict, log.DebugLevel, "db.update_form.verify.conflict")
			return
		}

		err = tx.Commit()
		if err != nil {
			httpx.LogInternalError(w, "db.update_form.commit", err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func DeleteForm(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formId, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		res, err := app.ExecContext(r.Context(), `
			DELETE FROM form WHERE id = ?`,
			formId,
		)
		if err != nil {
			httpx.LogInternalError(w, "db.delete_form", err)
			return
		}
		n, err := res.RowsAffected()
		if err != nil {
			httpx.LogInternalError(w, "db.delete_form.verify", err)
			return
		}
		if n < 1 {
			httpx.LogNotFound(w, "delete_form", formId)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// RefreshFormToken replaces the form's access token, cutting off links
// distributed with the old one.
func RefreshFormToken(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formId, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		tx, err := app.BeginTx(r.Context(), nil)
		if err != nil {
			httpx.LogInternalError(w, "db.begin_tx", err)
			return
		}
		defer tx.Rollback()

		var exists bool
		err = tx.QueryRowContext(r.Context(), `SELECT 1 FROM form WHERE id = ?`, formId).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.LogNotFound(w, "refresh_form_token", formId)
			return
		}
		if err != nil {
			httpx.LogInternalError(w, "db.refresh_form_token.get_form", err)
			return
		}

		token, err := mintFormToken(r, tx, formId, app.FormTokenTTL)
		if err != nil {
			httpx.LogInternalError(w, "db.refresh_form_token", err)
			return
		}

		err = tx.Commit()
		if err != nil {
			httpx.LogInternalError(w, "db.refresh_form_token.commit", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"token": token,
		})
	}
}

func SetSubmissionsEnabled(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formId, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		var body struct {
			Enabled bool `json:"enabled"`
		}
		err = render.DecodeJSON(r.Body, &body)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}

		res, err := app.ExecContext(r.Context(), `
			UPDATE form SET submissions_disabled = ? WHERE id = ?`,
			!body.Enabled,
			formId,
		)
		if err != nil {
			httpx.LogInternalError(w, "db.set_submissions_enabled", err)
			return
		}
		n, err := res.RowsAffected()
		if err != nil {
			httpx.LogInternalError(w, "db.set_submissions_enabled.verify", err)
			return
		}
		if n < 1 {
			httpx.LogNotFound(w, "set_submissions_enabled", formId)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func GetFormSubmissions(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formId, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		var exists bool
		err = app.QueryRowContext(r.Context(), `SELECT 1 FROM form WHERE id = ?`, formId).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.LogNotFound(w, "get_submissions", formId)
			return
		}
		if err != nil {
			httpx.LogInternalError(w, "db.get_submissions.get_form", err)
			return
		}

		rows, err := app.QueryContext(r.Context(), `
			SELECT s.id, s.time, s.ip, v.key, v.value
			FROM submission s
			INNER JOIN submission_field v ON (s.id = v.submission_id)
			WHERE s.form_id = ?
			ORDER BY s.id`,
			formId,
		)
		if err != nil {
			httpx.LogInternalError(w, "db.get_submissions", err)
			return
		}
		defer rows.Close()

		submissions := []model.SubmissionRecord{}
		for rows.Next() {
			s := model.SubmissionRecord{}
			var key, rawValue string

			err = rows.Scan(&s.ID, &s.Time, &s.IP, &key, &rawValue)
			if err != nil {
				httpx.LogInternalError(w, "db.get_submissions.scan", err)
				return
			}

			var value any
			err = json.Unmarshal([]byte(rawValue), &value)
			if err != nil {
				httpx.LogInternalError(w, "db.get_submissions.parse_value", err)
				return
			}

			lastIdx := len(submissions) - 1
			if lastIdx > -1 && submissions[lastIdx].ID == s.ID {
				submissions[lastIdx].Fields[key] = value
			} else {
				s.Fields = model.Submission{key: value}
				submissions = append(submissions, s)
			}
		}

		render.JSON(w, r, map[string]any{
			"submissions": submissions,
		})
	}
}
