package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"mail-automation/database"
	"mail-automation/services"
)

// Automation is the run control the handlers drive.
type Automation interface {
	Start(ctx context.Context) services.Snapshot
	Stop() services.Snapshot
	RestartFailedEmails(ctx context.Context) services.Snapshot
	Status(ctx context.Context) (services.StatusReport, error)
}

// LogStore is the transaction log as seen by the API.
type LogStore interface {
	Recent(ctx context.Context, limit int, status database.Status) ([]database.TransactionLogEntry, error)
	Clear(ctx context.Context) (int64, error)
	DailyCounts(ctx context.Context, days int, loc *time.Location) ([]database.DailyCount, error)
}

// ArchiveCleaner removes generated archives.
type ArchiveCleaner interface {
	Cleanup() (int, error)
}

// GetStatusHandler returns the run snapshot merged with the record counts.
func GetStatusHandler(m Automation, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := m.Status(r.Context())
		if err != nil {
			logger.Error("failed to get automation status", zap.Error(err))
			errorResponse(w, "Failed to get automation status: "+err.Error(), statusFor(err))
			return
		}
		successResponse(w, "Automation status retrieved", report)
	}
}

// StartHandler starts a run over Pending records. A run already in progress
// is reported unchanged.
func StartHandler(m Automation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := m.Start(r.Context())
		respondWithJSON(w, http.StatusAccepted, APIResponse{
			Message: runMessage(snap, services.RunPending),
			Status:  "success",
			Data:    snap,
		})
	}
}

// RestartFailedHandler starts a run over Failed records.
func RestartFailedHandler(m Automation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := m.RestartFailedEmails(r.Context())
		respondWithJSON(w, http.StatusAccepted, APIResponse{
			Message: runMessage(snap, services.RunFailed),
			Status:  "success",
			Data:    snap,
		})
	}
}

// StopHandler asks the current run to stop after the record in flight.
func StopHandler(m Automation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := m.Stop()
		msg := "Automation is not running"
		if snap.IsRunning {
			msg = "Stop requested"
		}
		successResponse(w, msg, snap)
	}
}

func runMessage(snap services.Snapshot, requested services.RunKind) string {
	if snap.Kind != requested {
		return "Another automation run is in progress"
	}
	return "Automation run in progress"
}

// GetSettingsHandler returns the settings with the password masked.
func GetSettingsHandler(s *services.SettingsManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		successResponse(w, "Settings retrieved", s.Masked())
	}
}

// UpdateSettingsHandler merges a partial settings update.
func UpdateSettingsHandler(s *services.SettingsManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var u services.SettingsUpdate
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			errorResponse(w, "Invalid request payload", http.StatusBadRequest)
			return
		}
		updated, err := s.Update(u)
		if err != nil {
			errorResponse(w, err.Error(), statusFor(err))
			return
		}
		successResponse(w, "Settings updated", updated)
	}
}

// GetScheduleHandler returns the current schedule.
func GetScheduleHandler(s *services.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		successResponse(w, "Schedule retrieved", s.Settings())
	}
}

// UpdateScheduleHandler applies the posted fields over the current schedule.
func UpdateScheduleHandler(s *services.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next := s.Settings()
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			errorResponse(w, "Invalid request payload", http.StatusBadRequest)
			return
		}
		updated, err := s.Update(next)
		if err != nil {
			errorResponse(w, err.Error(), statusFor(err))
			return
		}
		successResponse(w, "Schedule updated", updated)
	}
}

// ValidateSMTPRequest carries the credentials to probe. Omitted fields and a
// masked password fall back to the stored settings.
type ValidateSMTPRequest struct {
	SMTPServer   string `json:"smtpServer"`
	SMTPPort     int    `json:"smtpPort"`
	SMTPUser     string `json:"smtpUser"`
	SMTPPassword string `json:"smtpPassword"`
	UseTLS       *bool  `json:"useTls"`
}

// ValidateSMTPHandler opens and authenticates an SMTP session without
// sending anything.
func ValidateSMTPHandler(s *services.SettingsManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ValidateSMTPRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorResponse(w, "Invalid request payload", http.StatusBadRequest)
			return
		}

		current := s.Get()
		if req.SMTPServer == "" {
			req.SMTPServer = current.SMTPServer
		}
		if req.SMTPPort == 0 {
			req.SMTPPort = current.SMTPPort
		}
		if req.SMTPUser == "" {
			req.SMTPUser = current.SMTPUser
		}
		if req.SMTPPassword == "" || req.SMTPPassword == services.MaskedSecret {
			req.SMTPPassword = current.SMTPPassword
		}
		useTLS := current.UseTLS
		if req.UseTLS != nil {
			useTLS = *req.UseTLS
		}

		ok, msg := services.ValidateSMTPCredentials(r.Context(), req.SMTPServer, req.SMTPPort, req.SMTPUser, req.SMTPPassword, useTLS)
		status := "success"
		if !ok {
			status = "error"
		}
		respondWithJSON(w, http.StatusOK, APIResponse{
			Message: msg,
			Status:  status,
			Data:    map[string]bool{"valid": ok},
		})
	}
}

// GetLogsHandler returns recent transaction log entries, newest first.
func GetLogsHandler(logs LogStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := database.DefaultLogLimit
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
				limit = parsedLimit
			}
		}

		var status database.Status
		if statusStr := r.URL.Query().Get("status"); statusStr != "" {
			parsed, ok := database.ParseStatus(statusStr)
			if !ok {
				errorResponse(w, "Invalid status. Use Pending, Success or Failed.", http.StatusBadRequest)
				return
			}
			status = parsed
		}

		entries, err := logs.Recent(r.Context(), limit, status)
		if err != nil {
			logger.Error("failed to query transaction log", zap.Error(err))
			errorResponse(w, "Internal server error fetching logs", http.StatusInternalServerError)
			return
		}
		successResponse(w, "Transaction logs retrieved successfully", entries)
	}
}

// ClearLogsHandler empties the transaction log.
func ClearLogsHandler(logs LogStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := logs.Clear(r.Context())
		if err != nil {
			logger.Error("failed to clear transaction log", zap.Error(err))
			errorResponse(w, "Internal server error clearing logs", http.StatusInternalServerError)
			return
		}
		logger.Info("transaction log cleared", zap.Int64("removed", removed))
		successResponse(w, "Transaction logs cleared", map[string]int64{"removed": removed})
	}
}

// GetDailySendsHandler returns per-day success and failure counts.
func GetDailySendsHandler(logs LogStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := 7
		if daysStr := r.URL.Query().Get("days"); daysStr != "" {
			if parsedDays, err := strconv.Atoi(daysStr); err == nil && parsedDays > 0 {
				days = parsedDays
			}
		}
		counts, err := logs.DailyCounts(r.Context(), days, time.Local)
		if err != nil {
			logger.Error("failed to get daily sends", zap.Error(err))
			errorResponse(w, "Internal server error fetching daily sends", http.StatusInternalServerError)
			return
		}
		successResponse(w, "Daily sends over period retrieved", counts)
	}
}

// CleanupArchiveHandler deletes generated zip archives.
func CleanupArchiveHandler(a ArchiveCleaner, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := a.Cleanup()
		data := map[string]int{"removed": removed}
		if err != nil {
			logger.Warn("archive cleanup incomplete", zap.Int("removed", removed), zap.Error(err))
			respondWithJSON(w, http.StatusInternalServerError, APIResponse{
				Message: "Archive cleanup incomplete: " + err.Error(),
				Status:  "error",
				Data:    data,
			})
			return
		}
		successResponse(w, "Archive cleaned up", data)
	}
}
