package routes

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/talkform/talkform/app"
	"github.com/talkform/talkform/httpx"
	"github.com/talkform/talkform/log"
)

const clientSecretsURL = "https://api.openai.com/v1/realtime/client_secrets"

// CreateRealtimeToken mints a short-lived OpenAI realtime client secret for a
// respondent holding a live form token. The secret is passed through opaque:
// the caller hands it to the realtime transport unmodified.
func CreateRealtimeToken(app app.App) http.HandlerFunc {
	client := &http.Client{Timeout: 15 * time.Second}

	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FormID int    `json:"formId"`
			Token  string `json:"token"`
		}
		err := render.DecodeJSON(r.Body, &body)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}

		err = checkFormToken(r, app, body.FormID, body.Token)
		switch {
		case errors.Is(err, errTokenExpired):
			httpx.LogStatus(w, http.StatusGone, log.DebugLevel, "realtime_token.form_token.expired")
			return
		case errors.Is(err, sql.ErrNoRows):
			httpx.LogNotFound(w, "realtime_token.form_token", body.FormID)
			return
		case err != nil:
			httpx.LogInternalError(w, "db.realtime_token.form_token", err)
			return
		}

		if app.OpenAIKey == "" {
			httpx.LogStatus(w, http.StatusServiceUnavailable, log.WarnLevel, "realtime_token.no_api_key")
			return
		}

		payload, err := json.Marshal(map[string]any{
			"session": map[string]any{
				"type":  "realtime",
				"model": app.RealtimeModel,
			},
		})
		if err != nil {
			httpx.LogInternalError(w, "realtime_token.marshal", err)
			return
		}

		req, err := http.NewRequestWithContext(r.Context(), "POST", clientSecretsURL, bytes.NewReader(payload))
		if err != nil {
			httpx.LogInternalError(w, "realtime_token.new_request", err)
			return
		}
		req.Header.Set("Authorization", "Bearer "+app.OpenAIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			httpx.LogInternalError(w, "realtime_token.request", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 != 2 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			log.Errorf("realtime_token.upstream: status %d: %s", resp.StatusCode, detail)
			httpx.LogStatus(w, http.StatusBadGateway, log.ErrorLevel, "realtime_token.upstream")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, err = io.Copy(w, resp.Body)
		if err != nil {
			log.Errorf("realtime_token.copy: %s", err)
		}
	}
}
