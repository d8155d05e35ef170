package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mail-automation/config"
)

// Frequency is how often a schedule fires.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekday Frequency = "weekday"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCustom  Frequency = "custom"
)

// DefaultTick is the scheduler's evaluation period.
const DefaultTick = time.Minute

// maxScanDays bounds the forward search for the next matching date; every
// monthly day set matches within a year.
const maxScanDays = 400

// ScheduleSettings is the wall-clock trigger policy. Days holds weekdays
// (0 = Sunday) for weekly schedules and days of the month for monthly ones.
type ScheduleSettings struct {
	Enabled   bool       `json:"enabled"`
	Frequency Frequency  `json:"frequency"`
	Time      string     `json:"time"`
	Days      []int      `json:"days,omitempty"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	NextRun   *time.Time `json:"nextRun,omitempty"`
}

// ScheduleFromConfig converts the loaded schedule configuration.
func ScheduleFromConfig(c config.ScheduleConfig) ScheduleSettings {
	return ScheduleSettings{
		Enabled:   c.Enabled,
		Frequency: Frequency(c.Frequency),
		Time:      c.Time,
		Days:      append([]int(nil), c.Days...),
	}
}

// normalize validates s and returns a copy with sorted, de-duplicated days.
func normalize(s ScheduleSettings) (ScheduleSettings, error) {
	switch s.Frequency {
	case FrequencyDaily, FrequencyWeekday, FrequencyWeekly, FrequencyMonthly, FrequencyCustom:
	default:
		return s, classify(ErrConfiguration, "unknown schedule frequency %q", s.Frequency)
	}
	if s.Frequency != FrequencyCustom {
		if _, _, err := parseClock(s.Time); err != nil {
			return s, err
		}
	}

	lo, hi := 0, 6
	if s.Frequency == FrequencyMonthly {
		lo, hi = 1, 31
	}
	seen := map[int]bool{}
	var days []int
	for _, d := range s.Days {
		if s.Frequency != FrequencyWeekly && s.Frequency != FrequencyMonthly {
			break
		}
		if d < lo || d > hi {
			return s, classify(ErrConfiguration, "day %d is out of range %d-%d for %s schedules", d, lo, hi, s.Frequency)
		}
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	sort.Ints(days)
	s.Days = days
	return s, nil
}

func parseClock(v string) (int, int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, 0, classify(ErrConfiguration, "schedule time %q must be HH:MM", v)
	}
	return t.Hour(), t.Minute(), nil
}

// NextRun returns the first trigger time strictly after now. Custom
// schedules return their explicit NextRun unchanged. Weekly and monthly
// schedules without days fall back to Monday and the 1st.
func NextRun(s ScheduleSettings, now time.Time) (*time.Time, error) {
	s, err := normalize(s)
	if err != nil {
		return nil, err
	}
	if s.Frequency == FrequencyCustom {
		return s.NextRun, nil
	}

	hour, minute, _ := parseClock(s.Time)
	days := s.Days
	if len(days) == 0 {
		days = []int{1}
	}
	contains := func(v int) bool {
		for _, d := range days {
			if d == v {
				return true
			}
		}
		return false
	}

	y, mo, d := now.Date()
	for i := 0; i <= maxScanDays; i++ {
		cand := time.Date(y, mo, d+i, hour, minute, 0, 0, now.Location())
		if !cand.After(now) {
			continue
		}
		var match bool
		switch s.Frequency {
		case FrequencyDaily:
			match = true
		case FrequencyWeekday:
			match = cand.Weekday() != time.Saturday && cand.Weekday() != time.Sunday
		case FrequencyWeekly:
			match = contains(int(cand.Weekday()))
		case FrequencyMonthly:
			match = contains(cand.Day())
		}
		if match {
			return &cand, nil
		}
	}
	return nil, classify(ErrConfiguration, "no matching date for %s schedule", s.Frequency)
}

// Trigger is what the scheduler fires.
type Trigger interface {
	Start(ctx context.Context) Snapshot
	RetryFailedDeliveries(ctx context.Context) Snapshot
}

// Scheduler fires Start on its schedule and, when retries are enabled, a
// retry pass over transport failures every retry interval.
type Scheduler struct {
	mu        sync.Mutex
	settings  ScheduleSettings
	lastRetry time.Time

	trigger Trigger
	policy  *SettingsManager
	tick    time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewScheduler validates initial and computes its first NextRun.
func NewScheduler(initial ScheduleSettings, trigger Trigger, policy *SettingsManager, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		trigger: trigger,
		policy:  policy,
		tick:    DefaultTick,
		now:     time.Now,
		logger:  logger,
	}
	s.lastRetry = s.now()
	if _, err := s.Update(initial); err != nil {
		return nil, err
	}
	return s, nil
}

// Settings returns a copy of the current schedule.
func (s *Scheduler) Settings() ScheduleSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySchedule(s.settings)
}

// Update replaces the schedule and recomputes NextRun. LastRun is kept. An
// invalid schedule returns ErrConfiguration and the previous one stays.
func (s *Scheduler) Update(next ScheduleSettings) (ScheduleSettings, error) {
	now := s.now()
	n, err := normalize(next)
	if err != nil {
		return s.Settings(), err
	}

	switch {
	case !n.Enabled:
		n.NextRun = nil
	case n.Frequency == FrequencyCustom:
		if n.NextRun == nil || !n.NextRun.After(now) {
			return s.Settings(), classify(ErrConfiguration, "custom schedules need a nextRun in the future")
		}
	default:
		n.NextRun, err = NextRun(n, now)
		if err != nil {
			return s.Settings(), err
		}
	}

	s.mu.Lock()
	n.LastRun = s.settings.LastRun
	s.settings = n
	out := copySchedule(n)
	s.mu.Unlock()

	s.logger.Info("schedule updated",
		zap.Bool("enabled", out.Enabled),
		zap.String("frequency", string(out.Frequency)),
		zap.String("time", out.Time),
		zap.Ints("days", out.Days),
		zap.Timep("next_run", out.NextRun))
	return out, nil
}

// Evaluate fires whatever is due at now. It never waits for a batch.
func (s *Scheduler) Evaluate(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := s.settings.Enabled && s.settings.NextRun != nil && !now.Before(*s.settings.NextRun)
	if due {
		s.settings.LastRun = &now
	}
	if s.settings.Enabled && (due || s.settings.NextRun == nil) {
		if s.settings.Frequency == FrequencyCustom {
			s.settings.NextRun = nil
		} else if next, err := NextRun(s.settings, now); err == nil {
			s.settings.NextRun = next
		} else {
			s.logger.Error("failed to compute next run", zap.Error(err))
		}
	}
	s.mu.Unlock()

	if due {
		snap := s.trigger.Start(ctx)
		s.logger.Info("scheduled run triggered", zap.String("run_id", snap.RunID), zap.String("kind", string(snap.Kind)))
		return
	}

	if s.policy == nil {
		return
	}
	policy := s.policy.Get()
	if !policy.RetryOnFailure || policy.RetryIntervalMinutes < 1 {
		return
	}
	s.mu.Lock()
	retryDue := now.Sub(s.lastRetry) >= policy.RetryInterval()
	s.mu.Unlock()
	if !retryDue {
		return
	}

	snap := s.trigger.RetryFailedDeliveries(ctx)
	if snap.Kind == RunRetry && snap.IsRunning {
		s.mu.Lock()
		s.lastRetry = now
		s.mu.Unlock()
		s.logger.Info("retry pass triggered", zap.String("run_id", snap.RunID))
	}
}

// Run evaluates the schedule every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("tick", s.tick))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Evaluate(ctx, s.now())
		}
	}
}

func copySchedule(s ScheduleSettings) ScheduleSettings {
	s.Days = append([]int(nil), s.Days...)
	if s.LastRun != nil {
		t := *s.LastRun
		s.LastRun = &t
	}
	if s.NextRun != nil {
		t := *s.NextRun
		s.NextRun = &t
	}
	return s
}
