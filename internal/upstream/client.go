// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package upstream is the small bespoke HTTP/JSON client for the upstream
// torrent-management API this project polls on behalf of each user. The
// field set is debrid/cache-style (download_finished, download_present,
// cached, availability, expires_at) rather than qBittorrent's native Web
// API, so it is grounded on the teacher's qbittorrent.Client health-check
// and retry idiom (internal/qbittorrent/client.go) rather than a reuse of
// go-qbittorrent itself. Only the operation set spec.md §6 names is
// implemented: list torrents, control (stop_seeding/force_start), delete.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qui-automaton/internal/domain"
)

// Client is the operation set AutomationEngine and UserPoller consume from
// the upstream API. Errors are opaque per spec.md §6; rate-limit responses
// are treated as transient and retried.
type Client interface {
	ListTorrents(ctx context.Context) ([]domain.Torrent, error)
	StopSeeding(ctx context.Context, torrentID string) error
	ForceStart(ctx context.Context, torrentID string) error
	Delete(ctx context.Context, torrentID string) error
}

// HTTPClient is the concrete bearer-credential HTTPS implementation.
type HTTPClient struct {
	baseURL    string
	credential string
	httpClient *http.Client
}

// NewHTTPClient builds an HTTPClient authenticating every request with
// credential as a bearer token, matching spec.md §6's "HTTPS with a bearer
// credential" assumption.
func NewHTTPClient(baseURL, credential string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		credential: credential,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// wireTorrent is the raw upstream snapshot entry shape, exactly the field
// names spec.md §3 lists. files/file_count are both accepted: some
// payloads report a file array, others a bare count.
type wireTorrent struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Tracker          string          `json:"tracker"`
	Progress         float64         `json:"progress"`
	DownloadState    string          `json:"download_state"`
	Active           bool            `json:"active"`
	DownloadFinished bool            `json:"download_finished"`
	DownloadPresent  bool            `json:"download_present"`
	DownloadSpeed    float64         `json:"download_speed"`
	UploadSpeed      float64         `json:"upload_speed"`
	TotalDownloaded  int64           `json:"total_downloaded"`
	TotalUploaded    int64           `json:"total_uploaded"`
	Seeds            int             `json:"seeds"`
	Peers            int             `json:"peers"`
	Ratio            float64         `json:"ratio"`
	Size             int64           `json:"size"`
	Files            json.RawMessage `json:"files"`
	FileCount        int             `json:"file_count"`
	Private          bool            `json:"private"`
	Cached           bool            `json:"cached"`
	Availability     float64         `json:"availability"`
	ExpiresAt        *flexTime       `json:"expires_at"`
	CreatedAt        *flexTime       `json:"created_at"`
}

func (w wireTorrent) toDomain() domain.Torrent {
	t := domain.Torrent{
		ID:               w.ID,
		Name:             w.Name,
		Tracker:          w.Tracker,
		Progress:         w.Progress,
		DownloadState:    w.DownloadState,
		Active:           w.Active,
		DownloadFinished: w.DownloadFinished,
		DownloadPresent:  w.DownloadPresent,
		DownloadSpeed:    w.DownloadSpeed,
		UploadSpeed:      w.UploadSpeed,
		TotalDownloaded:  w.TotalDownloaded,
		TotalUploaded:    w.TotalUploaded,
		Seeds:            w.Seeds,
		Peers:            w.Peers,
		Ratio:            w.Ratio,
		Size:             w.Size,
		FileCount:        w.FileCount,
		Private:          w.Private,
		Cached:           w.Cached,
		Availability:     w.Availability,
	}
	if t.FileCount == 0 && len(w.Files) > 0 {
		var files []json.RawMessage
		if err := json.Unmarshal(w.Files, &files); err == nil {
			t.FileCount = len(files)
		}
	}
	if w.ExpiresAt != nil {
		t.ExpiresAt = &w.ExpiresAt.Time
	}
	if w.CreatedAt != nil {
		t.CreatedAt = w.CreatedAt.Time
	}
	return t
}

// flexTime accepts either a unix-seconds number or an RFC3339 string, since
// debrid-style APIs are inconsistent about which they emit.
type flexTime struct{ time.Time }

func (f *flexTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
		f.Time = time.Unix(n, 0).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	f.Time = t.UTC()
	return nil
}

// retryPolicy matches spec.md §7's transient-error backoff: initial 100ms,
// multiplier 2, up to 3 retries.
var retryPolicy = []retry.Option{
	retry.Attempts(4), // 1 initial try + 3 retries
	retry.Delay(100 * time.Millisecond),
	retry.DelayType(retry.BackOffDelay),
	retry.LastErrorOnly(true),
	retry.RetryIf(isTransient),
}

func isTransient(err error) bool {
	var se *statusError
	if asStatusError(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

func asStatusError(err error, target **statusError) bool {
	se, ok := err.(*statusError)
	if ok {
		*target = se
	}
	return ok
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.code, e.body)
}

// ListTorrents fetches the current snapshot for this client's user.
func (c *HTTPClient) ListTorrents(ctx context.Context) ([]domain.Torrent, error) {
	var wire []wireTorrent
	err := retry.Do(func() error {
		return c.doJSON(ctx, http.MethodGet, "/api/torrents", nil, &wire)
	}, retryPolicy...)
	if err != nil {
		return nil, fmt.Errorf("list torrents: %w", err)
	}

	out := make([]domain.Torrent, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toDomain())
	}
	return out, nil
}

// StopSeeding issues the control operation that stops seeding torrentID.
func (c *HTTPClient) StopSeeding(ctx context.Context, torrentID string) error {
	return c.control(ctx, torrentID, "stop_seeding")
}

// ForceStart issues the control operation that force-starts torrentID.
func (c *HTTPClient) ForceStart(ctx context.Context, torrentID string) error {
	return c.control(ctx, torrentID, "force_start")
}

func (c *HTTPClient) control(ctx context.Context, torrentID, op string) error {
	body := map[string]string{"operation": op}
	err := retry.Do(func() error {
		return c.doJSON(ctx, http.MethodPost, "/api/torrents/"+torrentID+"/control", body, nil)
	}, retryPolicy...)
	if err != nil {
		return fmt.Errorf("control %s on %s: %w", op, torrentID, err)
	}
	return nil
}

// Delete removes torrentID from the upstream service.
func (c *HTTPClient) Delete(ctx context.Context, torrentID string) error {
	err := retry.Do(func() error {
		return c.doJSON(ctx, http.MethodDelete, "/api/torrents/"+torrentID, nil, nil)
	}, retryPolicy...)
	if err != nil {
		return fmt.Errorf("delete %s: %w", torrentID, err)
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.credential)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		log.Debug().Int("status", resp.StatusCode).Str("path", path).Msg("upstream returned error status")
		return &statusError{code: resp.StatusCode, body: string(data)}
	}

	if respBody != nil && len(data) > 0 {
		if err := json.Unmarshal(data, respBody); err != nil {
			return fmt.Errorf("decode response body: %w", err)
		}
	}
	return nil
}
