// Package backend talks to the central inventory service over HTTP: it is the
// upstream source of zone data and one of the sync transports for confirmations.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"pickedge/cache"
	"pickedge/protocol"
)

// ErrNotFound is returned when the backend has no such batch or zone.
var ErrNotFound = errors.New("not found")

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend HTTP %d: %s", e.Status, e.Body)
}

// Zone is the upstream shape of one zone of one batch.
type Zone struct {
	BatchID    int64                        `json:"batch_id"`
	ZoneID     string                       `json:"zone_id"`
	Locations  []cache.Location             `json:"locations"`
	Operations map[string][]cache.Operation `json:"operations"`
}

type Client struct {
	baseURL    string
	station    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration, station string) *Client {
	return &Client{
		baseURL: baseURL,
		station: station,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchZone reads the current data for one zone of a batch.
func (c *Client) FetchZone(ctx context.Context, batchID int64, zoneID string) (*Zone, error) {
	var z Zone
	path := fmt.Sprintf("/batches/%d/zones/%s", batchID, url.PathEscape(zoneID))
	if err := c.get(ctx, path, &z); err != nil {
		return nil, err
	}
	if z.BatchID == 0 {
		z.BatchID = batchID
	}
	if z.ZoneID == "" {
		z.ZoneID = zoneID
	}
	return &z, nil
}

// Deliver posts one confirmation. The Idempotency-Key header is derived from the
// station and entry id, so a retransmit is applied at most once. A 409 means
// the backend already has it.
func (c *Client) Deliver(ctx context.Context, p *protocol.PickConfirm) error {
	headers := map[string]string{
		"Idempotency-Key": protocol.ConfirmID(c.station, p.EntryID),
		"X-Station-ID":    c.station,
	}
	err := c.post(ctx, "/confirmations", p, nil, headers)
	var he *HTTPError
	if errors.As(err, &he) && he.Status == http.StatusConflict {
		return nil
	}
	return err
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("backend GET %s: %w", path, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	return c.decode(resp, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any, headers map[string]string) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend marshal: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("backend POST %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	return c.decode(resp, result)
}

func (c *Client) decode(resp *http.Response, result any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("backend read body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("backend %s: %w", resp.Request.URL.Path, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return &HTTPError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("backend decode: %w", err)
		}
	}
	return nil
}
