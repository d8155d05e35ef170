package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"mail-automation/database"
	"mail-automation/messaging"
)

// RunKind names the record subset a batch run processes.
type RunKind string

const (
	RunPending RunKind = "pending"
	RunFailed  RunKind = "failed"
	// RunRetry processes Failed records whose reason came from the transport.
	RunRetry RunKind = "retry"
)

// RecordStore is the part of the status repository automation depends on.
type RecordStore interface {
	ListByStatus(ctx context.Context, status database.Status) ([]database.EmailRecord, error)
	GetRecord(ctx context.Context, id int64) (database.EmailRecord, bool, error)
	UpdateStatus(ctx context.Context, u database.StatusUpdate) (bool, error)
	Summarize(ctx context.Context) (database.StatusCounts, error)
}

// Deliverer sends records and logs rejected ones.
type Deliverer interface {
	Deliver(ctx context.Context, runID string, rec database.EmailRecord, settings AutomationSettings) DeliveryResult
	Reject(ctx context.Context, runID string, rec database.EmailRecord, reason string)
}

// Snapshot is a point-in-time copy of the run state.
type Snapshot struct {
	IsRunning     bool       `json:"isRunning"`
	StopRequested bool       `json:"stopRequested,omitempty"`
	Kind          RunKind    `json:"kind,omitempty"`
	RunID         string     `json:"runId,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	LastRun       *time.Time `json:"lastRun,omitempty"`
	Processed     int        `json:"processed"`
	Succeeded     int        `json:"succeeded"`
	Failed        int        `json:"failed"`
	Skipped       int        `json:"skipped"`
	LastError     string     `json:"lastError,omitempty"`
}

// StatusReport merges the run state with the store's status counts.
type StatusReport struct {
	Snapshot
	Counts database.StatusCounts `json:"counts"`
}

// runState is the single-flight guard. Everything about the current run
// lives behind one mutex; only tryAcquire may start a run.
type runState struct {
	mu   sync.Mutex
	snap Snapshot
}

func (s *runState) tryAcquire(kind RunKind, runID string, now time.Time) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.IsRunning {
		return s.snap, false
	}
	s.snap = Snapshot{
		IsRunning: true,
		Kind:      kind,
		RunID:     runID,
		StartedAt: &now,
		LastRun:   s.snap.LastRun,
	}
	return s.snap, true
}

func (s *runState) release(now time.Time, err error) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.IsRunning = false
	s.snap.StopRequested = false
	s.snap.FinishedAt = &now
	s.snap.LastRun = &now
	if err != nil {
		s.snap.LastError = err.Error()
	}
	return s.snap
}

func (s *runState) requestStop() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.IsRunning {
		s.snap.StopRequested = true
	}
	return s.snap
}

func (s *runState) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.StopRequested
}

func (s *runState) count(status database.Status, committed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !committed {
		s.snap.Skipped++
		return
	}
	s.snap.Processed++
	if status == database.StatusSuccess {
		s.snap.Succeeded++
	} else {
		s.snap.Failed++
	}
}

func (s *runState) skip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Skipped++
}

func (s *runState) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// AutomationManager runs batches over Pending or Failed records on a
// background goroutine, one batch at a time.
type AutomationManager struct {
	store     RecordStore
	deliverer Deliverer
	settings  *SettingsManager
	events    messaging.Publisher
	logger    *zap.Logger
	now       func() time.Time

	state runState
	wg    sync.WaitGroup
}

// NewAutomationManager creates a new AutomationManager instance
func NewAutomationManager(store RecordStore, deliverer Deliverer, settings *SettingsManager, events messaging.Publisher, logger *zap.Logger) *AutomationManager {
	if events == nil {
		events = messaging.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutomationManager{
		store:     store,
		deliverer: deliverer,
		settings:  settings,
		events:    events,
		logger:    logger,
		now:       time.Now,
	}
}

// Start processes every Pending record. If a batch is already running the
// current snapshot is returned and nothing else happens.
func (m *AutomationManager) Start(ctx context.Context) Snapshot {
	return m.launch(ctx, RunPending, database.StatusPending, nil)
}

// RestartFailedEmails processes every Failed record.
func (m *AutomationManager) RestartFailedEmails(ctx context.Context) Snapshot {
	return m.launch(ctx, RunFailed, database.StatusFailed, nil)
}

// RetryFailedDeliveries processes only Failed records whose last failure was
// a transport error.
func (m *AutomationManager) RetryFailedDeliveries(ctx context.Context) Snapshot {
	return m.launch(ctx, RunRetry, database.StatusFailed, func(rec database.EmailRecord) bool {
		return IsRetryableReason(rec.Reason)
	})
}

// Stop asks the running batch to exit after the record in flight.
func (m *AutomationManager) Stop() Snapshot {
	snap := m.state.requestStop()
	if snap.IsRunning {
		m.logger.Info("stop requested", zap.String("run_id", snap.RunID))
	}
	return snap
}

// Status returns the run state together with the store's counts.
func (m *AutomationManager) Status(ctx context.Context) (StatusReport, error) {
	report := StatusReport{Snapshot: m.state.snapshot()}
	counts, err := m.store.Summarize(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrRepository, err)
	}
	report.Counts = counts
	return report, nil
}

// Wait blocks until the running batch, if any, has finished.
func (m *AutomationManager) Wait() {
	m.wg.Wait()
}

func (m *AutomationManager) launch(ctx context.Context, kind RunKind, from database.Status, keep func(database.EmailRecord) bool) Snapshot {
	runID := uuid.NewString()
	snap, ok := m.state.tryAcquire(kind, runID, m.now())
	if !ok {
		m.logger.Info("batch already running", zap.String("requested", string(kind)), zap.String("run_id", snap.RunID))
		return snap
	}

	m.wg.Add(1)
	// The batch outlives the request that started it.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer m.wg.Done()
		m.run(runCtx, runID, kind, from, keep)
	}()
	return snap
}

func (m *AutomationManager) run(ctx context.Context, runID string, kind RunKind, from database.Status, keep func(database.EmailRecord) bool) {
	span, ctx := tracer.StartSpanFromContext(ctx, "automation.run",
		tracer.ResourceName(string(kind)),
		tracer.Tag("run.id", runID))

	started := m.now()
	m.logger.Info("batch run started", zap.String("run_id", runID), zap.String("kind", string(kind)))
	if err := m.events.RunStarted(messaging.RunEvent{RunID: runID, Kind: string(kind), At: started}); err != nil {
		m.logger.Warn("failed to publish run start", zap.Error(err))
	}

	err := m.process(ctx, runID, from, keep)
	snap := m.state.release(m.now(), err)

	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.String("kind", string(kind)),
		zap.Int("processed", snap.Processed),
		zap.Int("succeeded", snap.Succeeded),
		zap.Int("failed", snap.Failed),
		zap.Int("skipped", snap.Skipped),
		zap.Duration("duration", m.now().Sub(started)),
	}
	if err != nil {
		m.logger.Error("batch run aborted", append(fields, zap.Error(err))...)
	} else {
		m.logger.Info("batch run finished", fields...)
	}

	if perr := m.events.RunFinished(messaging.RunEvent{
		RunID:     runID,
		Kind:      string(kind),
		At:        m.now(),
		Processed: snap.Processed,
		Succeeded: snap.Succeeded,
		Failed:    snap.Failed,
		Skipped:   snap.Skipped,
		Error:     snap.LastError,
	}); perr != nil {
		m.logger.Warn("failed to publish run finish", zap.Error(perr))
	}
	span.Finish(tracer.WithError(err))
}

// process returns only repository errors; every per-record failure is
// committed as a Failed status.
func (m *AutomationManager) process(ctx context.Context, runID string, from database.Status, keep func(database.EmailRecord) bool) error {
	records, err := m.store.ListByStatus(ctx, from)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRepository, err)
	}

	settings := m.settings.Get()
	for _, rec := range records {
		if m.state.stopRequested() {
			m.logger.Info("batch run stopped", zap.String("run_id", runID))
			return nil
		}
		if keep != nil && !keep(rec) {
			continue
		}
		if err := m.processRecord(ctx, runID, from, rec, settings); err != nil {
			return err
		}
	}
	return nil
}

func (m *AutomationManager) processRecord(ctx context.Context, runID string, from database.Status, rec database.EmailRecord, settings AutomationSettings) error {
	current, found, err := m.store.GetRecord(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRepository, err)
	}
	if !found || current.Status != from {
		m.logger.Info("record changed since selection, skipping",
			zap.Int64("record_id", rec.ID),
			zap.String("expected", string(from)),
			zap.String("actual", string(current.Status)))
		m.state.skip()
		return nil
	}

	if err := ValidateRecord(current); err != nil {
		reason := err.Error()
		m.logger.Warn("record rejected", zap.Int64("record_id", current.ID), zap.String("reason", reason))
		m.deliverer.Reject(ctx, runID, current, reason)
		return m.commit(ctx, runID, current, from, database.StatusFailed, reason, nil)
	}

	res := m.deliverer.Deliver(ctx, runID, current, settings)
	if !res.OK {
		return m.commit(ctx, runID, current, from, database.StatusFailed, res.Reason, nil)
	}
	sent := m.now()
	return m.commit(ctx, runID, current, from, database.StatusSuccess, res.Reason, &sent)
}

func (m *AutomationManager) commit(ctx context.Context, runID string, rec database.EmailRecord, from, to database.Status, reason string, sendDate *time.Time) error {
	now := m.now()
	ok, err := m.store.UpdateStatus(ctx, database.StatusUpdate{
		ID:       rec.ID,
		Status:   to,
		Reason:   reason,
		SendDate: sendDate,
		Date:     now,
		From:     from,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRepository, err)
	}
	if !ok {
		m.logger.Warn("record was transitioned elsewhere, status not written", zap.Int64("record_id", rec.ID))
	}
	m.state.count(to, ok)

	if ok {
		if err := m.events.RecordCommitted(messaging.RecordEvent{
			RunID:     runID,
			RecordID:  rec.ID,
			Recipient: rec.Recipient,
			Status:    string(to),
			Reason:    reason,
			At:        now,
		}); err != nil {
			m.logger.Warn("failed to publish record outcome", zap.Int64("record_id", rec.ID), zap.Error(err))
		}
	}
	return nil
}
