package bulk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
)

// Line length limits for the NDJSON scanner. Bulk exports can carry very
// large single-line resources, so the cap is generous.
const (
	scanInitialBuffer = 64 * 1024
	scanMaxLine       = 16 * 1024 * 1024
)

// Sink receives one parsed NDJSON record. It must be safe for concurrent
// calls: all files of a resource type are streamed in parallel.
type Sink func(record json.RawMessage)

// StreamResult summarises one StreamResourceType call. A non-zero
// FailedFiles means the record count is best-effort, not complete.
type StreamResult struct {
	Records     int
	Files       int
	FailedFiles int
}

// Complete reports whether every file of the resource type streamed to the end.
func (r StreamResult) Complete() bool { return r.FailedFiles == 0 }

// StreamResourceType fetches every manifest file of the given resource type
// concurrently and hands each NDJSON record to sink as it is parsed, without
// buffering whole files. A failed or truncated file only loses its own
// records: the error is logged and sibling streams run to completion.
//
// The returned error is non-nil only when ctx was cancelled.
func (c *Client) StreamResourceType(ctx context.Context, manifest *Manifest, resourceType string, sink Sink) (StreamResult, error) {
	files := manifest.Files(resourceType)
	result := StreamResult{Files: len(files)}
	if len(files) == 0 {
		c.logger.Warn().Str("type", resourceType).Msg("manifest has no files for resource type")
		return result, ctx.Err()
	}

	var (
		wg      sync.WaitGroup
		records atomic.Int64
		failed  atomic.Int64
	)
	for _, f := range files {
		wg.Add(1)
		go func(f ManifestFile) {
			defer wg.Done()
			n, err := c.streamFile(ctx, f, sink)
			records.Add(int64(n))
			if err != nil {
				failed.Add(1)
				c.logger.Error().Err(err).
					Str("type", f.Type).
					Str("url", f.URL).
					Int("records_before_failure", n).
					Msg("ndjson stream failed")
			}
		}(f)
	}
	wg.Wait()

	result.Records = int(records.Load())
	result.FailedFiles = int(failed.Load())

	c.logger.Info().
		Str("type", resourceType).
		Int("files", result.Files).
		Int("failed_files", result.FailedFiles).
		Int("records", result.Records).
		Msg("resource type streamed")

	return result, ctx.Err()
}

// streamFile downloads one NDJSON file and feeds it to the sink line by
// line. Blank lines are skipped; a line that fails to parse as JSON is
// logged and skipped rather than ending the stream.
func (c *Client) streamFile(ctx context.Context, f ManifestFile, sink Sink) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.absoluteURL(f.URL), nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+ndjson")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch: status %d", resp.StatusCode)
	}

	count := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, scanInitialBuffer), scanMaxLine)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			c.logger.Warn().Str("type", f.Type).Msg("skipping malformed ndjson line")
			continue
		}
		// The scanner reuses its buffer; the sink gets its own copy.
		record := make(json.RawMessage, len(line))
		copy(record, line)
		sink(record)
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("read stream: %w", err)
	}
	return count, nil
}
