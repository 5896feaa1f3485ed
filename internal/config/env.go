package config

import (
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Env holds every environment variable the bootstrapper reads. Values come
// from the process environment, optionally seeded from a .env file for local
// runs. On Render these are set through the dashboard or render.yaml.
type Env struct {
	// SecretKey is the application's SECRET_KEY. deployctl never uses the
	// value itself, it only verifies presence before a production deploy.
	SecretKey string `env:"SECRET_KEY"`

	// DatabaseURL selects the backing database. Empty means the local SQLite
	// fallback, matching the application's own settings behavior.
	DatabaseURL   string `env:"DATABASE_URL"`
	SQLitePath    string `env:"SQLITE_PATH"`
	SQLiteTimeout int    `env:"SQLITE_TIMEOUT,default=10"`

	// Render deployment identity.
	Render                 bool   `env:"RENDER,default=false"`
	RenderExternalHostname string `env:"RENDER_EXTERNAL_HOSTNAME"`

	// Superuser provisioning. Password has no default on purpose; without it
	// the superuser stage is skipped.
	SuperuserUsername string `env:"DJANGO_SUPERUSER_USERNAME,default=AdminBGF"`
	SuperuserEmail    string `env:"DJANGO_SUPERUSER_EMAIL,default=admin@comercium.local"`
	SuperuserPassword string `env:"DJANGO_SUPERUSER_PASSWORD"`

	// Optional external services.
	RedisURL      string `env:"REDIS_URL"`
	CloudinaryURL string `env:"CLOUDINARY_URL"`

	// Google OAuth and Mercado Pago credentials. The application reads these
	// straight from its settings, deployctl only presence-checks them.
	GoogleClientID         string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret     string `env:"GOOGLE_CLIENT_SECRET"`
	MercadoPagoAccessToken string `env:"MERCADOPAGO_ACCESS_TOKEN"`
	MercadoPagoPublicKey   string `env:"MERCADOPAGO_PUBLIC_KEY"`

	// Logging. Namespaced so they never collide with the application's own
	// logging configuration on the same host.
	LogLevel  string `env:"DEPLOY_LOG_LEVEL,default=info"`
	LogFormat string `env:"DEPLOY_LOG_FORMAT,default=console"`
	LogFile   string `env:"DEPLOY_LOG_FILE"`
}

// LoadEnv reads the process environment into an Env. A .env file in the
// working directory is loaded first when present; missing files are fine.
func LoadEnv() (*Env, error) {
	_ = godotenv.Load()

	var e Env
	if err := envdecode.Decode(&e); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &e, nil
}

// LoadEnvFile is LoadEnv with an explicit .env path, used by the --env-file
// flag. The file must exist when named explicitly.
func LoadEnvFile(path string) (*Env, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("load env file %s: %w", path, err)
	}

	var e Env
	if err := envdecode.Decode(&e); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &e, nil
}

// Production reports whether this process is running on Render. The
// application's settings module makes the same call: presence of the Render
// environment marks production.
func (e *Env) Production() bool {
	return e.Render || e.RenderExternalHostname != ""
}
