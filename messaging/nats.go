package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	StreamName = "AUTOMATION"
	StreamSubj = "AUTOMATION.>"

	SubjectRunStarted  = "AUTOMATION.run.started"
	SubjectRunFinished = "AUTOMATION.run.finished"
	// SubjectRecordPrefix is followed by the lower-cased record status.
	SubjectRecordPrefix = "AUTOMATION.record."
)

// RunEvent is published when a batch run starts and when it finishes.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
	Processed int       `json:"processed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Error     string    `json:"error,omitempty"`
}

// RecordEvent is published once per committed record outcome.
type RecordEvent struct {
	RunID     string    `json:"run_id"`
	RecordID  int64     `json:"record_id"`
	Recipient string    `json:"recipient"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher emits automation events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	RunStarted(ev RunEvent) error
	RunFinished(ev RunEvent) error
	RecordCommitted(ev RecordEvent) error
	Close()
}

// streamPublisher is the subset of nats.JetStreamContext we use.
type streamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// JetStreamPublisher writes events into the AUTOMATION stream.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     streamPublisher
	logger *zap.Logger
}

// Setup connects to natsURL and makes sure the AUTOMATION stream exists.
func Setup(natsURL string, logger *zap.Logger) (*JetStreamPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(natsURL, nats.Name("mail-automation"))
	if err != nil {
		return nil, fmt.Errorf("error connecting to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("error creating JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{StreamSubj},
	})
	if err != nil {
		logger.Warn("could not create stream (it likely already exists)", zap.String("stream", StreamName), zap.Error(err))
	}

	return &JetStreamPublisher{nc: nc, js: js, logger: logger}, nil
}

func (p *JetStreamPublisher) RunStarted(ev RunEvent) error {
	return p.publish(SubjectRunStarted, ev)
}

func (p *JetStreamPublisher) RunFinished(ev RunEvent) error {
	return p.publish(SubjectRunFinished, ev)
}

func (p *JetStreamPublisher) RecordCommitted(ev RecordEvent) error {
	return p.publish(RecordSubject(ev.Status), ev)
}

// Close drains the underlying connection.
func (p *JetStreamPublisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("failed to drain NATS connection", zap.Error(err))
	}
}

func (p *JetStreamPublisher) publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", subject, err)
	}
	if _, err := p.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// RecordSubject returns the subject a record outcome with status is published on.
func RecordSubject(status string) string {
	if status == "" {
		status = "unknown"
	}
	return SubjectRecordPrefix + strings.ToLower(status)
}

// NopPublisher drops every event. It is used when NATS_URL is unset.
type NopPublisher struct{}

func (NopPublisher) RunStarted(RunEvent) error         { return nil }
func (NopPublisher) RunFinished(RunEvent) error        { return nil }
func (NopPublisher) RecordCommitted(RecordEvent) error { return nil }
func (NopPublisher) Close()                            {}
