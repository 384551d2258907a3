package routes

import (
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/talkform/talkform/app"
	"github.com/talkform/talkform/routes/middlewares"
)

func Wire(app app.App) http.Handler {
	root := chi.NewRouter()
	root.Use(middleware.Logger, middleware.Recoverer)

	root.Mount("/api", apiRouter(app))

	root.
		With(middlewares.CookieAuth(app.BearerServer), middlewares.Admin(app.TokenSecret)).
		Mount("/admin", servePrivateFiles("/admin"))
	root.Mount("/", servePublicFiles())

	return root
}

func apiRouter(app app.App) http.Handler {
	api := chi.NewRouter()

	// respondent surface, gated by form access token
	api.Get(`/forms/{id:^\d+$}`, PublicGetFormByID(app))
	api.Get(`/forms/{id:^\d+$}/token/validate`, ValidateFormToken(app))
	api.Post(`/forms/{id:^\d+$}/submissions`, SubmitForm(app))
	api.Post("/realtime/token", CreateRealtimeToken(app))

	api.Route("/admin", func(r chi.Router) {
		r.Use(middlewares.Admin(app.TokenSecret))

		// CRUD form
		r.Post("/forms", CreateForm(app))
		r.Get("/forms", ListForms(app))
		r.Get(`/forms/{id:^\d+$}`, GetFormByID(app))
		r.Put(`/forms/{id:^\d+$}`, UpdateForm(app))
		r.Delete(`/forms/{id:^\d+$}`, DeleteForm(app))

		r.Post(`/forms/{id:^\d+$}/token`, RefreshFormToken(app))
		r.Put(`/forms/{id:^\d+$}/submissions/enabled`, SetSubmissionsEnabled(app))
		r.Get(`/forms/{id:^\d+$}/submissions`, GetFormSubmissions(app))
	})

	api.Post("/login", Login(app))
	api.Post("/refresh", Refresh(app))

	return api
}

func servePublicFiles() http.Handler {
	return http.FileServer(http.Dir("public"))
}

func servePrivateFiles(path string) http.Handler {
	return http.StripPrefix(path, http.FileServer(http.Dir("private")))
}
