package services

import (
	"context"
	"errors"
	"sort"
	"sync"

	mail "gopkg.in/gomail.v2"

	"mail-automation/config"
	"mail-automation/database"
)

// memStore is an in-memory RecordStore with the repository's transition rules.
type memStore struct {
	mu      sync.Mutex
	records map[int64]database.EmailRecord
	updates []database.StatusUpdate

	listErr    error
	summaryErr error
	updateErr  error
}

func newMemStore(recs ...database.EmailRecord) *memStore {
	s := &memStore{records: map[int64]database.EmailRecord{}}
	for _, r := range recs {
		s.records[r.ID] = r
	}
	return s
}

func (s *memStore) ListByStatus(_ context.Context, status database.Status) ([]database.EmailRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []database.EmailRecord
	for _, r := range s.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetRecord(_ context.Context, id int64) (database.EmailRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok, nil
}

func (s *memStore) UpdateStatus(_ context.Context, u database.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return false, s.updateErr
	}
	if u.Status != database.StatusSuccess && u.Status != database.StatusFailed {
		return false, database.ErrInvalidTransition
	}
	r, ok := s.records[u.ID]
	if !ok || r.Status == database.StatusSuccess || (u.From != "" && r.Status != u.From) {
		return false, nil
	}
	s.updates = append(s.updates, u)
	r.Status = u.Status
	r.Reason = u.Reason
	r.Date = u.Date
	if u.SendDate != nil {
		t := *u.SendDate
		r.SendDate = &t
	}
	s.records[u.ID] = r
	return true, nil
}

func (s *memStore) Summarize(_ context.Context) (database.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c database.StatusCounts
	if s.summaryErr != nil {
		return c, s.summaryErr
	}
	for _, r := range s.records {
		c.Total++
		switch r.Status {
		case database.StatusPending:
			c.Pending++
		case database.StatusSuccess:
			c.Success++
		case database.StatusFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (s *memStore) get(id int64) database.EmailRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *memStore) set(r database.EmailRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
}

func (s *memStore) updatedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, u := range s.updates {
		ids = append(ids, u.ID)
	}
	return ids
}

// fakeDeliverer records calls. When gate is set each Deliver blocks on it
// after announcing itself on entered.
type fakeDeliverer struct {
	mu       sync.Mutex
	calls    []int64
	rejected []int64

	result  func(database.EmailRecord) DeliveryResult
	onEnter func(database.EmailRecord)
	entered chan int64
	gate    chan struct{}
}

func (d *fakeDeliverer) Deliver(_ context.Context, _ string, rec database.EmailRecord, _ AutomationSettings) DeliveryResult {
	d.mu.Lock()
	d.calls = append(d.calls, rec.ID)
	d.mu.Unlock()

	if d.onEnter != nil {
		d.onEnter(rec)
	}
	if d.entered != nil {
		d.entered <- rec.ID
	}
	if d.gate != nil {
		<-d.gate
	}
	if d.result != nil {
		return d.result(rec)
	}
	return DeliveryResult{OK: true, Reason: "Email sent to " + rec.Recipient}
}

func (d *fakeDeliverer) Reject(_ context.Context, _ string, rec database.EmailRecord, _ string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected = append(d.rejected, rec.ID)
}

func (d *fakeDeliverer) delivered() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.calls...)
}

func (d *fakeDeliverer) rejections() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.rejected...)
}

// countingTransport simulates the relay as a call counter.
type countingTransport struct {
	mu        sync.Mutex
	callCount int
	last      *mail.Message
	err       error
}

func (t *countingTransport) Name() string { return "fake" }

func (t *countingTransport) Send(_ context.Context, _ AutomationSettings, msg *mail.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callCount++
	t.last = msg
	return t.err
}

func (t *countingTransport) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callCount
}

type fakePackager struct {
	archive Archive
	err     error
	paths   []string
}

func (p *fakePackager) Package(path string) (Archive, error) {
	p.paths = append(p.paths, path)
	return p.archive, p.err
}

type memLog struct {
	mu      sync.Mutex
	entries []database.TransactionLogEntry
	err     error
}

func (l *memLog) Append(_ context.Context, e database.TransactionLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.entries = append(l.entries, e)
	return nil
}

func (l *memLog) all() []database.TransactionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]database.TransactionLogEntry(nil), l.entries...)
}

var errStoreDown = errors.New("connection refused")

func testSettings() *SettingsManager {
	return NewSettingsManager(&config.Config{
		SMTP: config.SMTPConfig{
			MailHub:   "smtp.example.com:587",
			AuthUser:  "robot@example.com",
			AuthPass:  "hunter2",
			FromEmail: "billing@example.com",
		},
		Automation: config.AutomationConfig{
			ActiveTemplateID:     "default",
			RetryOnFailure:       true,
			RetryIntervalMinutes: 15,
		},
	}, nil)
}

func pending(id int64, recipient string) database.EmailRecord {
	return database.EmailRecord{ID: id, Recipient: recipient, Subject: "Statement", Status: database.StatusPending}
}
