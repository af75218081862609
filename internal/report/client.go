// Package report talks to the external reporting backend: it runs a
// named report over a date range and exports formatted artifacts.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pinebi/report-engine/internal/domain"
)

// Window is the date range a report is executed over.
type Window struct {
	From time.Time
	To   time.Time
}

// Error wraps a failed backend call. Transient errors (network, 5xx,
// 429) are worth retrying; everything else is fatal for the occurrence.
type Error struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("report %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("report %s: status %d", e.Op, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable backend failure.
func IsTransient(err error) bool {
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	return re.Transient
}

// HTTPClient is the production client, authenticating with HTTP basic auth.
type HTTPClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

func NewHTTPClient(baseURL, username, password string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   &http.Client{Timeout: timeout},
	}
}

// Run executes the report and returns its rows.
func (c *HTTPClient) Run(ctx context.Context, reportID string, window Window) ([]domain.Row, error) {
	body, err := c.get(ctx, "run", c.endpoint(reportID, "rows", window, ""))
	if err != nil {
		return nil, err
	}

	var rows []domain.Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &Error{Op: "run", Err: fmt.Errorf("decode rows: %w", err)}
	}
	return rows, nil
}

// Export executes the report and returns the rendered artifact in the
// requested output format.
func (c *HTTPClient) Export(ctx context.Context, reportID string, window Window, format domain.OutputFormat) ([]byte, error) {
	return c.get(ctx, "export", c.endpoint(reportID, "export", window, string(format)))
}

func (c *HTTPClient) endpoint(reportID, op string, window Window, format string) string {
	q := url.Values{}
	q.Set("from", window.From.UTC().Format(time.RFC3339))
	q.Set("to", window.To.UTC().Format(time.RFC3339))
	if format != "" {
		q.Set("format", format)
	}
	return fmt.Sprintf("%s/api/reports/%s/%s?%s", c.baseURL, url.PathEscape(reportID), op, q.Encode())
}

func (c *HTTPClient) get(ctx context.Context, op, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Transient: transient}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: op, Transient: true, Err: err}
	}
	return body, nil
}

// FileName names an exported artifact for attachment.
func FileName(reportID string, at time.Time, format domain.OutputFormat) string {
	ext := string(format)
	if format == domain.FormatExcel {
		ext = "xlsx"
	}
	return fmt.Sprintf("%s-%s.%s", reportID, at.UTC().Format("20060102"), ext)
}

// ContentType returns the MIME type for an output format.
func ContentType(format domain.OutputFormat) string {
	switch format {
	case domain.FormatPDF:
		return "application/pdf"
	case domain.FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "text/csv"
	}
}
