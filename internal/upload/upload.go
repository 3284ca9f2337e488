// Package upload sends a worksheet archive to the catalog service in a single
// authenticated multipart POST.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Form field names of the upload request.
const (
	FieldWorksheet = "worksheet"
	FieldName      = "name"
	HeaderRequest  = "X-Request-ID"
)

// DefaultTimeout bounds one upload request.
const DefaultTimeout = 5 * time.Minute

// UploadError reports a failed upload. The archive is never modified.
type UploadError struct {
	Archive    string
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload of %s failed with status %d: %v", e.Archive, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upload of %s failed: %v", e.Archive, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// ErrUnauthorized is wrapped by UploadError for 401 and 403 responses.
var ErrUnauthorized = errors.New("credentials rejected")

// Credentials authenticate one upload. A token takes precedence over
// username and password. Endpoint, when set, overrides the client endpoint.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token"`
	Endpoint string `json:"endpoint"`
}

// Validate checks that some form of authentication is present.
func (c *Credentials) Validate() error {
	if c.Token == "" && (c.Username == "" || c.Password == "") {
		return errors.New("credentials need a token or a username and password")
	}
	return nil
}

// LoadCredentials reads a credentials JSON file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &UploadError{Err: fmt.Errorf("failed to read credentials: %w", err)}
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &UploadError{Err: fmt.Errorf("failed to parse credentials %s: %w", path, err)}
	}
	if err := c.Validate(); err != nil {
		return nil, &UploadError{Err: fmt.Errorf("%s: %w", path, err)}
	}
	return &c, nil
}

// Receipt describes an accepted upload.
type Receipt struct {
	StatusCode int    `json:"-"`
	RequestID  string `json:"-"`
	ID         string `json:"id"`
	URL        string `json:"url"`
}

// Client uploads archives.
type Client struct {
	httpClient *http.Client
	endpoint   string
	logger     *zap.Logger
	newID      func() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRequestID replaces the request id generator.
func WithRequestID(fn func() string) Option {
	return func(c *Client) { c.newID = fn }
}

// NewClient creates a client posting to endpoint.
func NewClient(endpoint string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		endpoint:   endpoint,
		logger:     logger,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload posts the archive once. Any transport error or non-2xx response is
// returned as *UploadError; nothing is retried.
func (c *Client) Upload(ctx context.Context, archivePath string, creds *Credentials) (*Receipt, error) {
	fail := func(status int, err error) (*Receipt, error) {
		return nil, &UploadError{Archive: archivePath, StatusCode: status, Err: err}
	}
	if creds == nil {
		return fail(0, errors.New("no credentials"))
	}
	if err := creds.Validate(); err != nil {
		return fail(0, err)
	}
	endpoint := c.endpoint
	if creds.Endpoint != "" {
		endpoint = creds.Endpoint
	}
	if endpoint == "" {
		return fail(0, errors.New("no upload endpoint configured"))
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fail(0, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fail(0, err)
	}
	if info.IsDir() {
		return fail(0, fmt.Errorf("%s is a directory", archivePath))
	}

	name := strings.TrimSuffix(filepath.Base(archivePath), ".ctw.tgz")
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, f, name, filepath.Base(archivePath)))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.Close()
		return fail(0, fmt.Errorf("failed to create request: %w", err))
	}
	requestID := c.newID()
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderRequest, requestID)
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	} else {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	c.logger.Info("Uploading worksheet",
		zap.String("archive", archivePath),
		zap.Int64("bytes", info.Size()),
		zap.String("endpoint", endpoint),
		zap.String("request_id", requestID))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(0, fmt.Errorf("failed to execute request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("failed to read response body: %w", err))
	}

	c.logger.Info("Received upload response",
		zap.String("status", resp.Status),
		zap.String("request_id", requestID))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fail(resp.StatusCode, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(resp.StatusCode, fmt.Errorf("server responded %s: %s", resp.Status, snippet(body)))
	}

	receipt := &Receipt{StatusCode: resp.StatusCode, RequestID: requestID}
	if len(body) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(body, receipt); err != nil {
			c.logger.Warn("Ignoring undecodable upload response", zap.Error(err))
		}
	}
	return receipt, nil
}

func writeForm(mw *multipart.Writer, f io.Reader, name, filename string) error {
	if err := mw.WriteField(FieldName, name); err != nil {
		return err
	}
	part, err := mw.CreateFormFile(FieldWorksheet, filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return mw.Close()
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
