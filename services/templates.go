package services

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mail-automation/database"
)

const defaultTemplateBody = `<html>
<body>
<p>Dear {{company_name}},</p>
<p>Please find attached the documents for <strong>{{subject}}</strong>.</p>
<p>Attachment: {{file_path}}</p>
<p>Sent on {{date}}.</p>
</body>
</html>`

// TemplateStore resolves template ids to HTML files in a directory.
type TemplateStore struct {
	dir string
}

// NewTemplateStore creates a new TemplateStore instance
func NewTemplateStore(dir string) *TemplateStore {
	return &TemplateStore{dir: dir}
}

// Load returns the body of <dir>/<id>.html, or the built-in body when the
// file does not exist.
func (s *TemplateStore) Load(id string) (string, error) {
	name := filepath.Base(strings.TrimSpace(id))
	if name == "" || name == "." || name == string(filepath.Separator) || s.dir == "" {
		return defaultTemplateBody, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name+".html"))
	if errors.Is(err, os.ErrNotExist) {
		return defaultTemplateBody, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read template %s: %w", name, err)
	}
	return string(data), nil
}

// Render loads the template and substitutes the record placeholders.
func (s *TemplateStore) Render(id string, rec database.EmailRecord, fileName string, now time.Time) (string, error) {
	body, err := s.Load(id)
	if err != nil {
		return "", err
	}

	company := rec.CompanyName
	if company == "" {
		company = rec.Recipient
	}
	if fileName == "" {
		fileName = "none"
	}

	r := strings.NewReplacer(
		"{{company_name}}", company,
		"{{recipient}}", rec.Recipient,
		"{{subject}}", rec.Subject,
		"{{date}}", now.Format("2006-01-02"),
		"{{file_path}}", fileName,
	)
	return r.Replace(body), nil
}
