// Trackd - Field Workforce Attendance and Location Tracking
// Copyright 2026 Fieldtrack
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fieldtrack/trackd

// Package syncer implements the sync engine: it drains locally buffered
// samples and emergency checkouts to the remote attendance service,
// oldest-first, with per-record retry accounting. Delivery failures are
// silent to the sampling path; they only surface through attempt counters
// and the pending-count query.
package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/fieldtrack/trackd/internal/config"
	"github.com/fieldtrack/trackd/internal/models"
)

// Client delivers buffered records to the remote attendance service.
type Client interface {
	// DeliverLocations uploads a batch of samples for one employee and
	// returns the set of record IDs the server acknowledged.
	DeliverLocations(ctx context.Context, employeeID string, samples []models.LocationSample) (map[int64]bool, error)

	// DeliverCheckout uploads one emergency checkout record.
	DeliverCheckout(ctx context.Context, rec *models.EmergencyCheckoutRecord) error

	// DeliverManualCheckout uploads a normal end-of-shift checkout. last may
	// be nil when no sample was ever captured.
	DeliverManualCheckout(ctx context.Context, employeeID, checkOutData string, last *models.LocationSample) error
}

// ErrRemoteStatus is returned when the server answers with a non-2xx code.
var ErrRemoteStatus = errors.New("remote service returned error status")

// locationBatchRequest is the wire format of POST /location-batch.
type locationBatchRequest struct {
	EmployeeID string            `json:"employeeId"`
	Samples    []locationPayload `json:"samples"`
}

type locationPayload struct {
	ID           int64   `json:"id"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Accuracy     float64 `json:"accuracy"`
	BatteryLevel int     `json:"batteryLevel"`
	Timestamp    int64   `json:"timestamp"`
}

type locationBatchResponse struct {
	Accepted []int64 `json:"accepted"`
}

// checkoutRequest is the wire format of POST /checkout for non-manual
// terminations. Method is always "emergency"; the server derives work hours
// and verification status on its side.
type checkoutRequest struct {
	EmployeeID       string          `json:"employeeId"`
	Method           string          `json:"method"`
	Reason           string          `json:"reason"`
	CheckOutTime     int64           `json:"checkOutTime"`
	LastLocationData locationPayload `json:"lastLocationData"`
	CheckOutData     string          `json:"checkOutData,omitempty"`
}

// HTTPClient is the concrete Client over the remote HTTP API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient builds a client from the sync configuration.
func NewHTTPClient(cfg *config.SyncConfig) *HTTPClient {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.RemoteURL, "/"),
		token:   cfg.APIToken,
		http: &http.Client{
			Timeout: cfg.RecordTimeout,
		},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// DeliverLocations implements Client.
func (c *HTTPClient) DeliverLocations(ctx context.Context, employeeID string, samples []models.LocationSample) (map[int64]bool, error) {
	payload := locationBatchRequest{
		EmployeeID: employeeID,
		Samples:    make([]locationPayload, 0, len(samples)),
	}
	for _, sm := range samples {
		payload.Samples = append(payload.Samples, locationPayload{
			ID:           sm.ID,
			Latitude:     sm.Latitude,
			Longitude:    sm.Longitude,
			Accuracy:     sm.Accuracy,
			BatteryLevel: sm.BatteryLevel,
			Timestamp:    sm.Timestamp,
		})
	}

	var resp locationBatchResponse
	if err := c.post(ctx, "/location-batch", payload, &resp); err != nil {
		return nil, err
	}

	accepted := make(map[int64]bool, len(resp.Accepted))
	for _, id := range resp.Accepted {
		accepted[id] = true
	}
	return accepted, nil
}

// DeliverCheckout implements Client.
func (c *HTTPClient) DeliverCheckout(ctx context.Context, rec *models.EmergencyCheckoutRecord) error {
	payload := checkoutRequest{
		EmployeeID:   rec.EmployeeID,
		Method:       "emergency",
		Reason:       string(rec.Reason),
		CheckOutTime: rec.CheckOutTime,
		LastLocationData: locationPayload{
			ID:           rec.ID,
			Latitude:     rec.Latitude,
			Longitude:    rec.Longitude,
			Accuracy:     rec.Accuracy,
			BatteryLevel: rec.BatteryLevel,
			Timestamp:    rec.CheckOutTime,
		},
		CheckOutData: rec.CheckOutData,
	}
	return c.post(ctx, "/checkout", payload, nil)
}

// DeliverManualCheckout implements Client.
func (c *HTTPClient) DeliverManualCheckout(ctx context.Context, employeeID, checkOutData string, last *models.LocationSample) error {
	payload := checkoutRequest{
		EmployeeID:   employeeID,
		Method:       "manual",
		CheckOutTime: time.Now().UnixMilli(),
		CheckOutData: checkOutData,
	}
	if last != nil {
		payload.LastLocationData = locationPayload{
			ID:           last.ID,
			Latitude:     last.Latitude,
			Longitude:    last.Longitude,
			Accuracy:     last.Accuracy,
			BatteryLevel: last.BatteryLevel,
			Timestamp:    last.Timestamp,
		}
	}
	return c.post(ctx, "/checkout", payload, nil)
}

// post sends one JSON request and decodes the response into out (when out
// is non-nil). Requests pass through the rate limiter first.
func (c *HTTPClient) post(ctx context.Context, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %d", ErrRemoteStatus, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}
