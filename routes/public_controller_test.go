package routes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkform/talkform/app"
	"github.com/talkform/talkform/config"
	"github.com/talkform/talkform/database"
	"github.com/talkform/talkform/model"
)

func testApp(t *testing.T) app.App {
	t.Helper()

	cfg := config.Config{
		DBUrl:        filepath.Join(t.TempDir(), "test.sqlite"),
		FormTokenTTL: time.Hour,
	}
	db, err := database.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return app.App{DB: db, Config: cfg}
}

// testRouter exposes the API surface without the auth middleware, which has
// its own tests.
func testRouter(app app.App) http.Handler {
	r := chi.NewRouter()
	r.Post("/forms", CreateForm(app))
	r.Get(`/forms/{id:^\d+$}`, PublicGetFormByID(app))
	r.Get(`/forms/{id:^\d+$}/token/validate`, ValidateFormToken(app))
	r.Post(`/forms/{id:^\d+$}/submissions`, SubmitForm(app))
	r.Put(`/forms/{id:^\d+$}`, UpdateForm(app))
	r.Put(`/forms/{id:^\d+$}/submissions/enabled`, SetSubmissionsEnabled(app))
	r.Get(`/forms/{id:^\d+$}/submissions`, GetFormSubmissions(app))
	r.Post("/realtime/token", CreateRealtimeToken(app))
	return r
}

func doJSON(t *testing.T, handler http.Handler, method, url string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

type createdForm struct {
	ID      int               `json:"id"`
	Version int               `json:"version"`
	Token   model.AccessToken `json:"token"`
}

func createTestForm(t *testing.T, handler http.Handler) createdForm {
	t.Helper()

	w := doJSON(t, handler, "POST", "/forms", map[string]any{
		"title":       "Quarterly review",
		"description": "How did it go",
		"fields": []map[string]any{
			{"title": "Your feedback", "description": "What stands out", "required": true, "type": "text"},
			{"title": "Overall rating", "required": true, "type": "likert"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	created := decodeBody[createdForm](t, w)
	require.NotZero(t, created.ID)
	require.NotZero(t, created.Version)
	require.NotEmpty(t, created.Token.Token)
	return created
}

func TestCreateAndGetForm(t *testing.T) {
	handler := testRouter(testApp(t))
	created := createTestForm(t, handler)

	w := doJSON(t, handler, "GET", formURL(created.ID, "?token="+created.Token.Token), nil)
	require.Equal(t, http.StatusOK, w.Code)

	form := decodeBody[model.Form](t, w)
	assert.Equal(t, "Quarterly review", form.Title)
	// the version feeds the optimistic lock on update, so clients must see it
	assert.Equal(t, created.Version, form.Version)
	require.Len(t, form.Fields, 2)

	// keys are derived from the titles, in schema order
	assert.Equal(t, "your_feedback", form.Fields[0].Key)
	assert.True(t, form.Fields[0].Required)
	assert.Equal(t, model.FieldText, form.Fields[0].Type)
	assert.Equal(t, "overall_rating", form.Fields[1].Key)
	assert.Equal(t, model.FieldLikert, form.Fields[1].Type)
}

func TestCreateForm_Invalid(t *testing.T) {
	handler := testRouter(testApp(t))

	w := doJSON(t, handler, "POST", "/forms", map[string]any{"title": ""})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doJSON(t, handler, "POST", "/forms", map[string]any{
		"title": "Bad field",
		"fields": []map[string]any{
			{"title": "Q", "type": "dropdown"},
		},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetForm_TokenGate(t *testing.T) {
	app := testApp(t)
	handler := testRouter(app)
	created := createTestForm(t, handler)

	w := doJSON(t, handler, "GET", formURL(created.ID, ""), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, handler, "GET", formURL(created.ID, "?token=wrong"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := app.Exec(`UPDATE form_token SET expires_at = ? WHERE form_id = ?`,
		time.Now().Add(-time.Minute), created.ID)
	require.NoError(t, err)

	w = doJSON(t, handler, "GET", formURL(created.ID, "?token="+created.Token.Token), nil)
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestValidateFormToken(t *testing.T) {
	handler := testRouter(testApp(t))
	created := createTestForm(t, handler)

	w := doJSON(t, handler, "GET", formURL(created.ID, "/token/validate?token="+created.Token.Token), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[struct {
		Valid bool `json:"valid"`
	}](t, w).Valid)

	w = doJSON(t, handler, "GET", formURL(created.ID, "/token/validate?token=wrong"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeBody[struct {
		Valid bool `json:"valid"`
	}](t, w).Valid)
}

func TestSubmitForm(t *testing.T) {
	handler := testRouter(testApp(t))
	created := createTestForm(t, handler)
	formId := created.ID

	w := doJSON(t, handler, "POST", formURL(formId, "/submissions"), map[string]any{
		"token": created.Token.Token,
		"data": model.Submission{
			"your_feedback":  "great team",
			"overall_rating": 5,
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	result := decodeBody[struct {
		Success      bool `json:"success"`
		SubmissionID int  `json:"submissionId"`
	}](t, w)
	assert.True(t, result.Success)
	assert.NotZero(t, result.SubmissionID)

	w = doJSON(t, handler, "GET", formURL(formId, "/submissions"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	stored := decodeBody[struct {
		Submissions []model.SubmissionRecord `json:"submissions"`
	}](t, w)
	require.Len(t, stored.Submissions, 1)
	assert.Equal(t, result.SubmissionID, stored.Submissions[0].ID)
	assert.Equal(t, model.Submission{
		"your_feedback":  "great team",
		"overall_rating": float64(5),
	}, stored.Submissions[0].Fields)
}

func TestSubmitForm_OnePerIP(t *testing.T) {
	handler := testRouter(testApp(t))
	created := createTestForm(t, handler)
	formId := created.ID

	body := map[string]any{
		"token": created.Token.Token,
		"data": model.Submission{
			"your_feedback":  "great team",
			"overall_rating": 5,
		},
	}
	w := doJSON(t, handler, "POST", formURL(formId, "/submissions"), body)
	require.Equal(t, http.StatusCreated, w.Code)

	// httptest requests all come from the same address
	w = doJSON(t, handler, "POST", formURL(formId, "/submissions"), body)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubmitForm_Validation(t *testing.T) {
	handler := testRouter(testApp(t))
	created := createTestForm(t, handler)
	formId := created.ID

	w := doJSON(t, handler, "POST", formURL(formId, "/submissions"), map[string]any{
		"token": created.Token.Token,
		"data":  model.Submission{"no_such_key": "x"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doJSON(t, handler, "POST", formURL(formId, "/submissions"), map[string]any{
		"token": created.Token.Token,
		"data": model.Submission{
			"your_feedback":  "great team",
			"overall_rating": 7,
		},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	errs := decodeBody[struct {
		Errors []model.FieldError `json:"errors"`
	}](t, w)
	require.Len(t, errs.Errors, 1)
	assert.Equal(t, "overall_rating", errs.Errors[0].Key)
}

func TestSubmitForm_Disabled(t *testing.T) {
	handler := testRouter(testApp(t))
	created := createTestForm(t, handler)
	formId := created.ID

	w := doJSON(t, handler, "PUT", formURL(formId, "/submissions/enabled"), map[string]any{
		"enabled": false,
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, handler, "POST", formURL(formId, "/submissions"), map[string]any{
		"token": created.Token.Token,
		"data": model.Submission{
			"your_feedback":  "great team",
			"overall_rating": 5,
		},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUpdateForm_OptimisticLock(t *testing.T) {
	handler := testRouter(testApp(t))
	created := createTestForm(t, handler)

	// the version returned on create is what the lock expects
	w := doJSON(t, handler, "PUT", formURL(created.ID, ""), map[string]any{
		"title":   "Quarterly review v2",
		"version": created.Version,
		"fields": []map[string]any{
			{"title": "Your feedback", "required": true, "type": "text"},
		},
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	// stale version loses
	w = doJSON(t, handler, "PUT", formURL(created.ID, ""), map[string]any{
		"title":   "Quarterly review v3",
		"version": created.Version,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateRealtimeToken_NotConfigured(t *testing.T) {
	handler := testRouter(testApp(t))
	created := createTestForm(t, handler)

	w := doJSON(t, handler, "POST", "/realtime/token", map[string]any{
		"formId": created.ID,
		"token":  created.Token.Token,
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCreateRealtimeToken_TokenGate(t *testing.T) {
	handler := testRouter(testApp(t))
	created := createTestForm(t, handler)

	w := doJSON(t, handler, "POST", "/realtime/token", map[string]any{
		"formId": created.ID,
		"token":  "wrong",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func formURL(formId int, suffix string) string {
	return "/forms/" + strconv.Itoa(formId) + suffix
}
