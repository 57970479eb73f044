package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/mdslink/pkg/mds"
)

// DefaultTimeout bounds one chunk upload end to end.
const DefaultTimeout = 30 * time.Second

// StatusError reports a non-2xx response from the chunk endpoint.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upload rejected: %s", e.Status)
}

// Client posts diagnostic chunks to the per-device endpoint read from the
// device's data-URI characteristic. One POST per chunk, authorized by the
// single dynamic header from the device's auth characteristic.
type Client struct {
	http   *http.Client
	logger *logrus.Logger
}

// NewClient creates an upload client. A nil httpClient gets a default with
// DefaultTimeout.
func NewClient(httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{http: httpClient, logger: logger}
}

// Upload posts one chunk payload (sequence byte already stripped) to
// auth.URL. Any 2xx response is success; any other status or transport
// failure is an upload failure.
func (c *Client) Upload(ctx context.Context, auth *mds.DeviceAuth, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, auth.URL.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(auth.Key, auth.Value)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"url":   auth.URL.String(),
			"error": err,
		}).Warn("Chunk upload failed")
		return fmt.Errorf("upload failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.WithFields(logrus.Fields{
			"url":    auth.URL.String(),
			"status": resp.Status,
		}).Warn("Chunk upload rejected")
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	c.logger.WithFields(logrus.Fields{
		"url":   auth.URL.String(),
		"bytes": len(payload),
	}).Debug("Chunk uploaded")
	return nil
}
