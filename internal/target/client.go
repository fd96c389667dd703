// Package target is the narrow client for the ingestion service the
// migration uploads into. The service exposes an HTTP API plus a WebSocket
// upload channel; this package wraps exactly the three operations the
// pipeline needs (exists, all-fingerprints, upload) and classifies results
// into the migration's outcome taxonomy.
package target

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackzampolin/bookherd/internal/fingerprint"
	"github.com/jackzampolin/bookherd/internal/metadata"
)

// Status is the target service's classification of an upload.
type Status string

const (
	StatusNew                Status = "new"
	StatusDuplicate          Status = "duplicate"
	StatusSizeRejected       Status = "size_rejected"
	StatusValidationRejected Status = "validation_rejected"
	StatusServerError        Status = "server_error"
)

// DuplicateExitCode is the non-zero code the target's upload path uses for
// "already exists". Version-specific; pinned here for the supported target
// release. It is a constant: the config's duplicate_exit_code value does
// not change it.
const DuplicateExitCode = 4

// duplicateMarkers are response substrings the target emits for duplicate
// content across its versions.
var duplicateMarkers = []string{
	"already exists",
	"duplicate",
	"already in db",
	"SoftActionError",
}

// IsDuplicateMessage reports whether a target error message means the
// content is already present.
func IsDuplicateMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range duplicateMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// UploadResult is the target's answer to one upload.
type UploadResult struct {
	Status            Status `json:"status"`
	ServerFingerprint string `json:"server_fingerprint,omitempty"`
	Message           string `json:"message,omitempty"`
}

// FileRef points the service at the file to ingest. In symlink mode only
// TargetPath is sent and no bytes traverse the wire; the service reads the
// file through its own mount of the source library.
type FileRef struct {
	// LocalPath is the file on this host.
	LocalPath string

	// TargetPath is the path under the service's library mount (symlink
	// mode). Empty means transfer bytes.
	TargetPath string
}

// Service is the target-side interface the uploader depends on. The HTTP/WS
// client implements it; tests substitute fakes.
type Service interface {
	Exists(ctx context.Context, fp fingerprint.Fingerprint) (bool, error)
	AllFingerprints(ctx context.Context, fn func(fingerprint.Fingerprint) error) error
	Upload(ctx context.Context, rec metadata.Record, fp fingerprint.Fingerprint, ref FileRef) (UploadResult, error)
}

// Config configures the target client.
type Config struct {
	// APIURL is the HTTP API base, e.g. http://localhost:6006.
	APIURL string

	// WSURL enables the WebSocket upload channel when set,
	// e.g. ws://localhost:8080/ws.
	WSURL string

	Username string
	Password string

	// MaxUploadSize is the server's file size cap (default 500 MiB).
	MaxUploadSize int64

	// Timeout bounds one HTTP request (uploads use their own deadline).
	Timeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultMaxUploadSize is the server-side file size cap.
const DefaultMaxUploadSize = 500 << 20

// Client talks to the target service.
type Client struct {
	apiURL        string
	wsURL         string
	username      string
	password      string
	maxUploadSize int64
	http          *http.Client
	logger        *slog.Logger

	token string
}

// NewClient creates a target client. Call Login before uploading.
func NewClient(cfg Config) *Client {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = DefaultMaxUploadSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiURL:        strings.TrimRight(cfg.APIURL, "/"),
		wsURL:         cfg.WSURL,
		username:      cfg.Username,
		password:      cfg.Password,
		maxUploadSize: cfg.MaxUploadSize,
		http:          httpClient,
		logger:        logger,
	}
}

// MaxUploadSize returns the server's file size cap.
func (c *Client) MaxUploadSize() int64 {
	return c.maxUploadSize
}

// Login authenticates and stores the session token.
func (c *Client) Login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("target login failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("target login failed: status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("target login response unreadable: %w", err)
	}
	if out.AccessToken == "" {
		return fmt.Errorf("target login returned empty token")
	}
	c.token = out.AccessToken
	return nil
}

// Ping verifies the API answers at all.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/version", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("target unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) authHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// Exists asks the service whether a fingerprint is already known. This is
// the cheap pre-check before an upload.
func (c *Client) Exists(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	url := fmt.Sprintf("%s/api/ebooks/exists?hash=%s&size=%d", c.apiURL, fp.Hash, fp.Size)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	c.authHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("exists check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("exists check failed: status %d", resp.StatusCode)
	}

	var out struct {
		Exists bool `json:"exists"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("exists response unreadable: %w", err)
	}
	return out.Exists, nil
}

// AllFingerprints streams every fingerprint the service knows, invoking fn
// for each. The response is newline-delimited JSON and may be very long;
// the privileged endpoint is meant for mirror bootstrap and refresh.
func (c *Client) AllFingerprints(ctx context.Context, fn func(fingerprint.Fingerprint) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/api/ebooks/fingerprints", nil)
	if err != nil {
		return err
	}
	c.authHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fingerprint stream failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fingerprint stream failed: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var fp fingerprint.Fingerprint
		if err := json.Unmarshal(line, &fp); err != nil {
			c.logger.Warn("skipping malformed fingerprint line", "error", err)
			continue
		}
		if err := fn(fp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Upload sends one file with its metadata. The WebSocket channel is used
// when configured; otherwise a multipart HTTP POST. Symlink mode sends the
// path reference either way.
func (c *Client) Upload(ctx context.Context, rec metadata.Record, fp fingerprint.Fingerprint, ref FileRef) (UploadResult, error) {
	if ref.TargetPath == "" {
		info, err := os.Stat(ref.LocalPath)
		if err != nil {
			return UploadResult{}, fmt.Errorf("upload source unreadable: %w", err)
		}
		if info.Size() > c.maxUploadSize {
			return UploadResult{
				Status:  StatusSizeRejected,
				Message: fmt.Sprintf("file exceeds server cap (%d > %d bytes)", info.Size(), c.maxUploadSize),
			}, nil
		}
	}

	if c.wsURL != "" {
		return c.uploadWS(ctx, rec, fp, ref)
	}
	return c.uploadHTTP(ctx, rec, fp, ref)
}

func (c *Client) uploadHTTP(ctx context.Context, rec metadata.Record, fp fingerprint.Fingerprint, ref FileRef) (UploadResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		var err error
		defer func() { pw.CloseWithError(err) }()

		metaJSON, merr := json.Marshal(uploadManifest(rec, fp, ref))
		if merr != nil {
			err = merr
			return
		}
		if err = mw.WriteField("metadata", string(metaJSON)); err != nil {
			return
		}

		if ref.TargetPath == "" {
			var part io.Writer
			part, err = mw.CreateFormFile("file", filepath.Base(ref.LocalPath))
			if err != nil {
				return
			}
			var f *os.File
			f, err = os.Open(ref.LocalPath)
			if err != nil {
				return
			}
			_, err = io.Copy(part, f)
			f.Close()
			if err != nil {
				return
			}
		}
		err = mw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/upload", pr)
	if err != nil {
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	return decodeUploadResponse(resp)
}

// uploadManifest is the metadata document both transports send.
func uploadManifest(rec metadata.Record, fp fingerprint.Fingerprint, ref FileRef) map[string]any {
	m := map[string]any{
		"title":    rec.Title,
		"authors":  rec.Authors,
		"language": rec.Language,
		"hash":     fp.Hash,
		"size":     fp.Size,
	}
	if rec.Series != "" {
		m["series"] = rec.Series
		if rec.SeriesIndex != nil {
			m["series_index"] = *rec.SeriesIndex
		}
	}
	if ref.TargetPath != "" {
		m["original_file_path"] = ref.TargetPath
	}
	return m
}

func decodeUploadResponse(resp *http.Response) (UploadResult, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload response unreadable: %w", err)
	}

	if resp.StatusCode >= 500 {
		return UploadResult{Status: StatusServerError, Message: string(body)}, nil
	}

	var result UploadResult
	if err := json.Unmarshal(body, &result); err != nil {
		// Older target versions answer with plain text; classify by content.
		msg := string(body)
		if IsDuplicateMessage(msg) {
			return UploadResult{Status: StatusDuplicate, Message: msg}, nil
		}
		if resp.StatusCode == http.StatusOK {
			return UploadResult{Status: StatusNew, Message: msg}, nil
		}
		return UploadResult{Status: StatusValidationRejected, Message: msg}, nil
	}

	if result.Status == "" {
		if IsDuplicateMessage(result.Message) {
			result.Status = StatusDuplicate
		} else if resp.StatusCode == http.StatusOK {
			result.Status = StatusNew
		} else {
			result.Status = StatusValidationRejected
		}
	}
	return result, nil
}
