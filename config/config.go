package config

import (
	"errors"
	"flag"
	"net"
	"regexp"
	"strconv"
	"time"
)

type Config struct {
	Addr         string
	DBUrl        string
	TokenSecret  string
	TokenTTL     time.Duration
	FormTokenTTL time.Duration

	AdminUser     string
	AdminPassword string

	OpenAIKey     string
	RealtimeModel string

	Debug bool
}

const DefaultRealtimeModel = "gpt-4o-mini-realtime-preview"

func ParseFlags() (cfg Config, err error) {
	var host string
	flag.StringVar(&host, "host", "0.0.0.0", "listen host name (default 0.0.0.0)")
	var port uint
	flag.UintVar(&port, "port", 80, "listen port number (default 80)")
	flag.StringVar(&cfg.DBUrl, "db-url", "talkform.sqlite", "path to SQLite3 DB file (default talkform.sqlite)")
	flag.StringVar(&cfg.TokenSecret, "token-secret", "", "secret key for session token encryption and decryption")
	var ttl uint
	flag.UintVar(&ttl, "token-ttl", 120, "session token TTL in seconds (default 120)")
	var formTTL uint
	flag.UintVar(&formTTL, "form-token-ttl", 72, "form access token TTL in hours (default 72)")
	flag.StringVar(&cfg.AdminUser, "admin-user", "admin", "admin username created or updated at startup (default admin)")
	flag.StringVar(&cfg.AdminPassword, "admin-password", "", "admin password; when set, the admin user is (re)created at startup")
	flag.StringVar(&cfg.OpenAIKey, "openai-api-key", "", "OpenAI API key used to mint realtime client secrets")
	flag.StringVar(&cfg.RealtimeModel, "realtime-model", DefaultRealtimeModel, "realtime speech model for voice interviews")
	flag.BoolVar(&cfg.Debug, "debug", false, "log at DEBUG level")
	flag.Parse()

	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(int(port)))
	cfg.TokenTTL = time.Duration(ttl) * time.Second
	cfg.FormTokenTTL = time.Duration(formTTL) * time.Hour

	if cfg.TokenSecret == "" {
		err = errors.New("missing parameter -token-secret")
	}

	return
}

func (cfg Config) Url() (url string) {
	url = cfg.Addr
	url = regexp.MustCompile(`^0.0.0.0`).ReplaceAllString(url, "localhost")
	url = "http://" + url
	return
}
