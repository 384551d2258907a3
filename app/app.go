package app

import (
	"database/sql"

	"github.com/go-chi/oauth"
	"github.com/talkform/talkform/config"
)

type App struct {
	*sql.DB
	*oauth.BearerServer
	config.Config
}
