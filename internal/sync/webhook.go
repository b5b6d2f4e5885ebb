package sync

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Webhook forwards archived .eml files to an external endpoint. Delivery is
// fire and forget: failures are logged and never fail the message that
// triggered them.
type Webhook struct {
	url           string
	authorization string
	client        *http.Client
	logger        *logrus.Logger
}

// NewWebhook creates a webhook sender. The authorization value, when set,
// goes out verbatim in the Authorization header.
func NewWebhook(url, authorization string, logger *logrus.Logger) *Webhook {
	return &Webhook{
		url:           url,
		authorization: authorization,
		client:        &http.Client{Timeout: 30 * time.Second},
		logger:        logger,
	}
}

// Send posts the file as a multipart form upload with MIME type
// message/rfc822. Errors are logged, not returned.
func (w *Webhook) Send(filePath string) {
	if err := w.send(filePath); err != nil {
		w.logger.WithError(err).WithField("file", filePath).Error("Failed to send file to webhook")
		return
	}
	w.logger.WithField("file", filepath.Base(filePath)).Info("Sent file to webhook")
}

func (w *Webhook) send(filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, filepath.Base(filePath)))
	header.Set("Content-Type", "message/rfc822")

	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create multipart field: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to copy file content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.url, &body)
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w.authorization != "" {
		req.Header.Set("Authorization", w.authorization)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
