package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"permitflow/internal/config"
	"permitflow/internal/db"
	"permitflow/internal/engine"
	"permitflow/internal/logger"
	"permitflow/internal/migrate"
)

// Runtime bundles the pieces every command needs.
type Runtime struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Log    *slog.Logger
}

// DBConfig maps the database section onto the connector settings.
func DBConfig(c config.DatabaseConfig) db.Config {
	return db.Config{
		Driver:          c.Driver,
		DSN:             c.DSN,
		Path:            c.Path,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		BusyTimeout:     c.BusyTimeout,
	}
}

// LoadConfig reads path (missing is fine) and overlays the process environment.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open connects to the store, applies migrations and evolves legacy permit
// tables. A nil log falls back to one built from cfg.Log.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		l, err := logger.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		log = l
	}
	dbCfg := DBConfig(cfg.Database)
	dialect := dbCfg.Dialect()
	conn, err := db.Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect, err)
	}
	if err := migrate.Migrate(ctx, conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, dialect, cfg)
	// Failure here is retried on the next request.
	if err := eng.Guard.Ensure(ctx); err != nil {
		log.Warn("schema evolution deferred", "error", err)
	}
	log.Debug("store ready", "driver", string(dialect))
	return &Runtime{Config: cfg, DB: conn, Engine: eng, Log: log}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}
