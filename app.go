package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mail-automation/config"
	"mail-automation/database"
	"mail-automation/messaging"
	"mail-automation/services"
)

// app holds the wired components shared by the commands.
type app struct {
	db       *sql.DB
	records  *database.StatusRepository
	txlog    *database.TransactionLog
	settings *services.SettingsManager
	archiver *services.Archiver
	manager  *services.AutomationManager
	events   messaging.Publisher
}

// openDatabase connects and brings the schema up to date.
func openDatabase(cfg *config.Config, logger *zap.Logger) (*sql.DB, error) {
	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	db, err := database.InitDB(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	changed, err := database.ApplyMigrations(cfg.Database.Driver, cfg.Database.URL, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error applying database migrations: %w", err)
	}
	if changed {
		logger.Info("database migrations applied", zap.String("driver", cfg.Database.Driver))
	}
	return db, nil
}

// newApp wires the automation stack. Events go to NATS only when withEvents
// is set and NATS_URL is configured.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, withEvents bool) (*app, error) {
	db, err := openDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}

	transport, err := services.NewTransport(ctx, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	var events messaging.Publisher = messaging.NopPublisher{}
	if withEvents && cfg.NATS.URL != "" {
		js, err := messaging.Setup(cfg.NATS.URL, logger)
		if err != nil {
			// Events are optional; automation runs without them.
			logger.Warn("NATS unavailable, run events disabled", zap.Error(err))
		} else {
			events = js
		}
	}

	a := &app{
		db:       db,
		records:  database.NewStatusRepository(db, cfg.Database.Driver),
		txlog:    database.NewTransactionLog(db, cfg.Database.Driver),
		settings: services.NewSettingsManager(cfg, logger),
		archiver: services.NewArchiver(cfg.Automation.ArchivePath, logger),
		events:   events,
	}
	pipeline := services.NewPipeline(a.archiver, transport, services.NewTemplateStore(cfg.Automation.TemplateDir),
		a.txlog, cfg.Automation.MaxAttachmentBytes, logger)
	a.manager = services.NewAutomationManager(a.records, pipeline, a.settings, events, logger)

	logger.Info("automation stack ready",
		zap.String("transport", transport.Name()),
		zap.String("archive_path", a.archiver.Dir()),
		zap.Int64("max_attachment_bytes", cfg.Automation.MaxAttachmentBytes))
	return a, nil
}

// Close waits for any batch in flight and releases connections.
func (a *app) Close() {
	a.manager.Wait()
	a.events.Close()
	a.db.Close()
}
