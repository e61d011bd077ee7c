// Package app wires the process dependencies from configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/phuslu/log"

	"repairline/internal/asana"
	"repairline/internal/builder"
	"repairline/internal/catalog"
	"repairline/internal/config"
	"repairline/internal/db"
	"repairline/internal/events"
	"repairline/internal/guard"
	"repairline/internal/metrics"
	"repairline/internal/migrate"
	"repairline/internal/notify"
	"repairline/internal/repo"
	"repairline/internal/server"
	"repairline/internal/workflow"
)

type App struct {
	Config   *config.Config
	Logger   *log.Logger
	DB       *sql.DB
	Repo     repo.Repo
	Guard    *guard.SQL
	Events   events.Writer
	Asana    *asana.Client
	Mailer   *notify.SMTPMailer
	Metrics  *metrics.Metrics
	Workflow *workflow.Orchestrator
}

// Open migrates the workspace database and builds every collaborator. No
// network call is made, so read-only commands work without credentials.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = &log.DefaultLogger
	}
	cat := catalog.Default()
	if cfg.CatalogPath != "" {
		loaded, err := catalog.FromFile(cfg.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("load catalog %s: %w", cfg.CatalogPath, err)
		}
		cat = loaded
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn}
	a := &App{
		Config:  cfg,
		Logger:  logger,
		DB:      conn,
		Repo:    r,
		Guard:   guard.NewSQL(r, cfg.Guard.ClaimTTL),
		Events:  events.Writer{Repo: r},
		Metrics: metrics.New(),
	}
	opts := []asana.ClientOption{
		asana.WithRateLimit(cfg.Asana.RateLimit),
		asana.WithLogger(logger),
	}
	if cfg.Asana.BaseURL != "" {
		opts = append(opts, asana.WithBaseURL(cfg.Asana.BaseURL))
	}
	if cfg.Asana.Timeout > 0 {
		opts = append(opts, asana.WithHTTPClient(&http.Client{Timeout: cfg.Asana.Timeout}))
	}
	a.Asana = asana.NewClient(cfg.Asana.Token, opts...)
	a.Mailer = notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.Email.Server,
		Port:     cfg.Email.Port,
		Username: cfg.Email.User,
		Password: cfg.Email.Password,
		From:     cfg.Email.From,
		FromName: cfg.Email.FromName,
	}, logger)
	a.Workflow = &workflow.Orchestrator{
		Tracker:  asana.Tracker{Client: a.Asana},
		Source:   a.Asana,
		Mailer:   a.Mailer,
		Guard:    a.Guard,
		Recorder: a.Events,
		Builder:  builder.New(cat),
		Metrics:  a.Metrics,
		Logger:   logger,
		Options: workflow.Options{
			IntakeProjectID: cfg.Asana.IntakeProjectID,
			WorkProjectID:   cfg.Asana.WorkProjectID,
			Recipients:      cfg.Email.DistributionList,
			FieldGIDs:       cfg.Asana.FieldGIDs,
			RunTimeout:      cfg.Run.Timeout,
		},
	}
	return a, nil
}

// ServerConfig returns the HTTP API wiring for this app.
func (a *App) ServerConfig() server.Config {
	cfg := server.Config{
		Workflow:        a.Workflow,
		Processed:       a.Guard,
		Repo:            a.Repo,
		Events:          a.Events,
		Metrics:         a.Metrics,
		Logger:          a.Logger,
		IntakeProjectID: a.Config.Asana.IntakeProjectID,
		WebhookTarget:   a.Config.WebhookTarget(),
	}
	if a.Config.Asana.Token != "" {
		cfg.Registrar = a.Asana
	}
	return cfg
}

func (a *App) Close() error {
	return a.DB.Close()
}
