package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
	mail "gopkg.in/gomail.v2"

	"mail-automation/config"
	"mail-automation/database"
)

// Packager turns an attachment path into a finished archive.
type Packager interface {
	Package(path string) (Archive, error)
}

// LogWriter appends transaction log entries.
type LogWriter interface {
	Append(ctx context.Context, entry database.TransactionLogEntry) error
}

// DeliveryResult is the outcome of one send attempt. Err carries the class
// (ErrSizeLimit, ErrAttachment, ErrTransport) when OK is false.
type DeliveryResult struct {
	OK     bool
	Reason string
	Err    error
}

// Pipeline packages, size-checks and sends one record. It never retries and
// writes exactly one transaction log entry per call.
type Pipeline struct {
	packager  Packager
	transport Transport
	templates *TemplateStore
	log       LogWriter
	maxBytes  int64
	now       func() time.Time
	logger    *zap.Logger
}

// NewPipeline creates a new Pipeline instance. maxBytes <= 0 uses the 20 MiB
// default.
func NewPipeline(packager Packager, transport Transport, templates *TemplateStore, log LogWriter, maxBytes int64, logger *zap.Logger) *Pipeline {
	if maxBytes <= 0 {
		maxBytes = config.DefaultMaxAttachmentBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		packager:  packager,
		transport: transport,
		templates: templates,
		log:       log,
		maxBytes:  maxBytes,
		now:       time.Now,
		logger:    logger,
	}
}

// Deliver sends rec using settings. Failures are returned, never raised.
func (p *Pipeline) Deliver(ctx context.Context, runID string, rec database.EmailRecord, settings AutomationSettings) DeliveryResult {
	// Send to the address ValidateRecord checked.
	rec.Recipient = strings.TrimSpace(rec.Recipient)
	span, ctx := tracer.StartSpanFromContext(ctx, "automation.deliver",
		tracer.ResourceName(p.transport.Name()),
		tracer.Tag("record.id", rec.ID),
		tracer.Tag("run.id", runID))

	entry := database.TransactionLogEntry{
		RunID:     runID,
		RecordID:  rec.ID,
		Recipient: rec.Recipient,
		Subject:   rec.Subject,
		FilePath:  rec.AttachmentFolderPath,
	}

	res := p.deliver(ctx, rec, settings, &entry)

	entry.Timestamp = p.now()
	entry.Reason = res.Reason
	if res.OK {
		entry.Status = database.StatusSuccess
	} else {
		entry.Status = database.StatusFailed
		entry.Error = res.Reason
	}
	p.append(ctx, entry)

	span.Finish(tracer.WithError(res.Err))
	return res
}

func (p *Pipeline) deliver(ctx context.Context, rec database.EmailRecord, settings AutomationSettings, entry *database.TransactionLogEntry) DeliveryResult {
	var archive *Archive
	if rec.AttachmentFolderPath != "" {
		a, err := p.packager.Package(rec.AttachmentFolderPath)
		if err != nil {
			return failed(classify(ErrAttachment, "%v", err))
		}
		archive = &a
		entry.FilePath = a.Path
		entry.OriginalSize = &a.OriginalSize
		entry.CompressedSize = &a.CompressedSize

		if a.CompressedSize > p.maxBytes {
			err := classify(ErrSizeLimit, "compressed attachment %s is %s (%d bytes, original %s), limit is %s",
				a.Name, humanize.IBytes(uint64(a.CompressedSize)), a.CompressedSize,
				humanize.IBytes(uint64(a.OriginalSize)), humanize.IBytes(uint64(p.maxBytes)))
			p.logger.Warn("attachment over size limit, not sending",
				zap.Int64("record_id", rec.ID),
				zap.Int64("compressed_bytes", a.CompressedSize),
				zap.Int64("limit_bytes", p.maxBytes))
			return failed(err)
		}
	}

	fileName := ""
	if archive != nil {
		fileName = archive.Name
	}
	body, err := p.templates.Render(settings.ActiveTemplateID, rec, fileName, p.now())
	if err != nil {
		p.logger.Warn("falling back to the built-in template", zap.String("template", settings.ActiveTemplateID), zap.Error(err))
		body, _ = NewTemplateStore("").Render("", rec, fileName, p.now())
	}

	m := mail.NewMessage()
	m.SetHeader("From", settings.From())
	m.SetHeader("To", rec.Recipient)
	m.SetHeader("Subject", rec.Subject)
	m.SetBody("text/html", body)
	if archive != nil {
		m.Attach(archive.Path)
	}

	if err := p.transport.Send(ctx, settings, m); err != nil {
		p.logger.Error("email delivery failed",
			zap.Int64("record_id", rec.ID),
			zap.String("recipient", rec.Recipient),
			zap.String("transport", p.transport.Name()),
			zap.Error(err))
		return failed(classify(ErrTransport, "%v", err))
	}

	reason := fmt.Sprintf("Email sent to %s", rec.Recipient)
	if archive != nil {
		reason += " with attachment " + archive.Name
	}
	p.logger.Info("email sent", zap.Int64("record_id", rec.ID), zap.String("recipient", rec.Recipient))
	return DeliveryResult{OK: true, Reason: reason}
}

// Reject logs a record that failed validation and was never handed to the
// transport.
func (p *Pipeline) Reject(ctx context.Context, runID string, rec database.EmailRecord, reason string) {
	p.append(ctx, database.TransactionLogEntry{
		Timestamp: p.now(),
		RunID:     runID,
		RecordID:  rec.ID,
		Recipient: strings.TrimSpace(rec.Recipient),
		Subject:   rec.Subject,
		Status:    database.StatusFailed,
		Reason:    reason,
		FilePath:  rec.AttachmentFolderPath,
		Error:     reason,
	})
}

func (p *Pipeline) append(ctx context.Context, entry database.TransactionLogEntry) {
	if p.log == nil {
		return
	}
	if err := p.log.Append(ctx, entry); err != nil {
		p.logger.Error("failed to write transaction log entry", zap.Int64("record_id", entry.RecordID), zap.Error(err))
	}
}

func failed(err error) DeliveryResult {
	return DeliveryResult{OK: false, Reason: err.Error(), Err: err}
}
