// Package bulk implements a client for the FHIR Bulk Data Access flow:
// group-level $export kick-off, status polling, and NDJSON file streaming.
package bulk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// KickoffError indicates the export job could not be started. Fatal: the
// token is freshly issued, so an authorization failure here is a
// configuration problem, not a transient one.
type KickoffError struct {
	StatusCode int
	Err        error
}

func (e *KickoffError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("export kick-off failed: %v", e.Err)
	}
	return fmt.Sprintf("export kick-off failed: status %d", e.StatusCode)
}

func (e *KickoffError) Unwrap() error { return e.Err }

// PollError indicates the status endpoint returned a terminal failure for
// the job itself.
type PollError struct {
	StatusCode int
	Body       string
}

func (e *PollError) Error() string {
	return fmt.Sprintf("export job failed: status %d: %s", e.StatusCode, e.Body)
}

// TimeoutError indicates the job did not complete within the configured
// attempt budget. The remote job may still be running; this client just
// stops waiting for it.
type TimeoutError struct {
	Attempts int
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("export job did not complete after %d polls (%s)", e.Attempts, e.Waited)
}

// Job identifies an in-flight export by its status-check URL, handed back
// by the server in the kick-off Content-Location header.
type Job struct {
	StatusURL string
	StartedAt time.Time
}

// ManifestFile is one downloadable NDJSON output of a completed export.
type ManifestFile struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count,omitempty"`
}

// Manifest is the terminal status response of a completed export job. It is
// immutable once decoded.
type Manifest struct {
	TransactionTime string         `json:"transactionTime"`
	Request         string         `json:"request"`
	Output          []ManifestFile `json:"output"`
}

// Files returns the manifest entries for one resource type, in manifest order.
func (m *Manifest) Files(resourceType string) []ManifestFile {
	var files []ManifestFile
	for _, f := range m.Output {
		if f.Type == resourceType {
			files = append(files, f)
		}
	}
	return files
}

// Client drives one bulk export against a FHIR server. A Client is built per
// pipeline run with that run's bearer token and discarded afterwards.
type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	logger       zerolog.Logger
	pollInterval time.Duration
	maxAttempts  int
}

// NewClient creates a bulk export client. pollInterval and maxAttempts bound
// the Await loop; both must be positive.
func NewClient(baseURL, accessToken string, pollInterval time.Duration, maxAttempts int, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        accessToken,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		logger:       logger,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

// SetHTTPClient replaces the underlying HTTP client. Intended for tests.
func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

// Kickoff starts a group-level export restricted to the given resource
// types. typeFilters, when non-empty, is passed as _typeFilter so the server
// can narrow a resource type (e.g. to one lab panel).
func (c *Client) Kickoff(ctx context.Context, groupID string, resourceTypes []string, typeFilters string) (*Job, error) {
	endpoint := fmt.Sprintf("%s/Group/%s/$export", c.baseURL, url.PathEscape(groupID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &KickoffError{Err: err}
	}
	q := req.URL.Query()
	if len(resourceTypes) > 0 {
		q.Set("_type", strings.Join(resourceTypes, ","))
	}
	if typeFilters != "" {
		q.Set("_typeFilter", typeFilters)
	}
	req.URL.RawQuery = q.Encode()

	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("Prefer", "respond-async")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &KickoffError{Err: err}
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return nil, &KickoffError{StatusCode: resp.StatusCode}
	}

	statusURL := resp.Header.Get("Content-Location")
	if statusURL == "" {
		return nil, &KickoffError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("kick-off response has no Content-Location header"),
		}
	}

	// Servers may return a relative status URL.
	statusURL = c.absoluteURL(statusURL)

	c.logger.Info().
		Str("group", groupID).
		Strs("types", resourceTypes).
		Str("status_url", statusURL).
		Msg("export job initiated")

	return &Job{StatusURL: statusURL, StartedAt: time.Now().UTC()}, nil
}

// Await polls the job's status URL until the server returns the manifest,
// the attempt budget is exhausted, or ctx is cancelled.
//
// A transport failure or 5xx on a single poll is transient: the remote job
// keeps running regardless of whether this poll reached it, so the failure
// is logged and polling continues. Only a non-retryable 4xx fails the job.
func (c *Client) Await(ctx context.Context, job *Job) (*Manifest, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		manifest, done, err := c.poll(ctx, job, attempt)
		if err != nil {
			return nil, err
		}
		if done {
			c.logger.Info().
				Int("attempts", attempt).
				Int("output_files", len(manifest.Output)).
				Dur("elapsed", time.Since(job.StartedAt)).
				Msg("export job complete")
			return manifest, nil
		}

		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	return nil, &TimeoutError{Attempts: c.maxAttempts, Waited: time.Since(job.StartedAt)}
}

// poll performs one status check. done is true when the manifest was
// returned. A nil error with done=false means "still running or transient
// failure, keep polling".
func (c *Client) poll(ctx context.Context, job *Job, attempt int) (*Manifest, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.StatusURL, nil)
	if err != nil {
		return nil, false, &PollError{Body: err.Error()}
	}
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("status poll failed, will retry")
		return nil, false, nil
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		var manifest Manifest
		if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
			return nil, false, &PollError{StatusCode: resp.StatusCode, Body: "decode manifest: " + err.Error()}
		}
		return &manifest, true, nil

	case resp.StatusCode == http.StatusAccepted:
		c.logger.Info().
			Int("attempt", attempt).
			Str("progress", resp.Header.Get("X-Progress")).
			Msg("export job in progress")
		return nil, false, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.logger.Warn().
			Int("attempt", attempt).
			Int("status", resp.StatusCode).
			Msg("transient status poll failure, will retry")
		return nil, false, nil

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, false, &PollError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
}

// absoluteURL resolves a possibly-relative URL against the client base URL.
func (c *Client) absoluteURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if strings.HasPrefix(u, "/") {
		base, err := url.Parse(c.baseURL)
		if err != nil {
			return c.baseURL + u
		}
		return base.Scheme + "://" + base.Host + u
	}
	return c.baseURL + "/" + u
}

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, body)
	body.Close()
}
