package handlers

import (
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"mail-automation/services"
)

// Dependencies are the components the HTTP surface is built over.
type Dependencies struct {
	Automation Automation
	Settings   *services.SettingsManager
	Scheduler  *services.Scheduler
	Logs       LogStore
	Archive    ArchiveCleaner
	Logger     *zap.Logger
}

// NewRouter registers the automation API under /api/automation.
func NewRouter(d Dependencies) *mux.Router {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/automation").Subrouter()

	api.HandleFunc("/status", GetStatusHandler(d.Automation, logger)).Methods("GET")
	api.HandleFunc("/start", StartHandler(d.Automation)).Methods("POST")
	api.HandleFunc("/stop", StopHandler(d.Automation)).Methods("POST")
	api.HandleFunc("/restart-failed", RestartFailedHandler(d.Automation)).Methods("POST")

	api.HandleFunc("/settings", GetSettingsHandler(d.Settings)).Methods("GET")
	api.HandleFunc("/settings", UpdateSettingsHandler(d.Settings)).Methods("POST")
	api.HandleFunc("/validate-smtp", ValidateSMTPHandler(d.Settings)).Methods("POST")

	api.HandleFunc("/schedule", GetScheduleHandler(d.Scheduler)).Methods("GET")
	api.HandleFunc("/schedule", UpdateScheduleHandler(d.Scheduler)).Methods("POST")

	api.HandleFunc("/logs", GetLogsHandler(d.Logs, logger)).Methods("GET")
	api.HandleFunc("/logs", ClearLogsHandler(d.Logs, logger)).Methods("DELETE")
	api.HandleFunc("/logs/daily", GetDailySendsHandler(d.Logs, logger)).Methods("GET")

	api.HandleFunc("/archive/cleanup", CleanupArchiveHandler(d.Archive, logger)).Methods("POST")

	return r
}
