package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/talkform/talkform/app"
	"github.com/talkform/talkform/config"
	"github.com/talkform/talkform/database"
	"github.com/talkform/talkform/httpx"
	"github.com/talkform/talkform/log"
	"github.com/talkform/talkform/routes"
)

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		log.Fatal("main.config:", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	db, err := database.Open(cfg)
	if err != nil {
		log.Fatal("main.db.open:", err)
	}
	defer db.Close()

	err = httpx.EnsureAdminUser(db, cfg)
	if err != nil {
		log.Fatal("main.admin_user:", err)
	}

	if cfg.OpenAIKey == "" {
		log.Warn("main: no -openai-api-key, voice interviews are disabled")
	} else {
		log.Infof("main: voice interviews enabled with model %s", cfg.RealtimeModel)
	}

	bearerServer := httpx.NewBearerServer(db, cfg)

	app := app.App{
		DB:           db,
		BearerServer: bearerServer,
		Config:       cfg,
	}

	handler := routes.Wire(app)

	err = runServer(cfg, handler)
	if !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("main.server:", err)
	}
}

func runServer(cfg config.Config, handler http.Handler) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Info("Listening on " + cfg.Url())
	return srv.ListenAndServe()
}
