// Package assets implements the asset preparation step of the fulfillment
// pipeline. Upscaling is deferred until payment is confirmed (cost control)
// and is never allowed to block an order: on upscale failure the original
// design URL is used instead — a lower-resolution print beats no order.
package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/printforge/go-orders-backend/internal/domain"
	"github.com/printforge/go-orders-backend/internal/repo"
)

// Upscaler is the external image-transform collaborator. Only its output (a
// print-ready asset URL) is consumed; the pipeline behind it is out of scope.
type Upscaler interface {
	// NeedsUpscaling reports whether the source asset is below the
	// print-resolution threshold.
	NeedsUpscaling(ctx context.Context, sourceURL string) (bool, error)
	// Upscale transforms the source into a print-resolution asset and
	// returns its URL. May fail; callers fall back to the source.
	Upscale(ctx context.Context, sourceURL, orderID, itemID string) (string, error)
}

// Service prepares print-ready assets for every item of an order, recording
// each result (success or fallback) on the item row so retries do not
// redundantly re-upscale.
type Service struct {
	DB       *gorm.DB
	Upscaler Upscaler
	Log      zerolog.Logger
}

// PrepareItems returns the print-ready URL per item id. Rules, per item:
//
//   - a previously recorded PrintReadyURL is reused as-is;
//   - a source already at print resolution passes through at no cost;
//   - otherwise the upscaler runs, and on failure the original design URL
//     is used with the fallback marked on the item.
//
// Only storage failures abort; upscaler failures degrade to the fallback.
func (s *Service) PrepareItems(ctx context.Context, o *domain.Order) (map[string]string, error) {
	out := make(map[string]string, len(o.Items))
	for i := range o.Items {
		it := &o.Items[i]

		if it.PrintReadyURL != nil && *it.PrintReadyURL != "" {
			out[it.ID] = *it.PrintReadyURL
			continue
		}

		resultURL, status := s.prepareOne(ctx, o.ID, it)
		if err := repo.UpdateItemAsset(ctx, s.DB, it.ID, resultURL, status); err != nil {
			return nil, fmt.Errorf("record asset result for item %s: %w", it.ID, err)
		}
		it.PrintReadyURL = &resultURL
		it.UpscaleStatus = status
		out[it.ID] = resultURL
	}
	return out, nil
}

// prepareOne resolves the print asset for a single item. It never returns an
// error: every failure path degrades to the original design URL.
func (s *Service) prepareOne(ctx context.Context, orderID string, it *domain.OrderItem) (string, string) {
	needs, err := s.Upscaler.NeedsUpscaling(ctx, it.DesignURL)
	if err != nil {
		// Inspection failed; assume the asset needs work and try anyway.
		s.Log.Warn().Err(err).Str("item_id", it.ID).Msg("asset inspection failed")
		needs = true
	}
	if !needs {
		return it.DesignURL, domain.UpscaleStatusDone
	}

	ready, err := s.Upscaler.Upscale(ctx, it.DesignURL, orderID, it.ID)
	if err != nil || ready == "" {
		s.Log.Warn().Err(err).
			Str("order_id", orderID).
			Str("item_id", it.ID).
			Msg("upscale failed, falling back to original asset")
		return it.DesignURL, domain.UpscaleStatusFallback
	}
	return ready, domain.UpscaleStatusDone
}

// HTTPUpscaler is the production Upscaler backed by the transform service's
// REST API.
type HTTPUpscaler struct {
	baseURL string
	http    *http.Client
}

// NewHTTPUpscaler builds an Upscaler client for baseURL.
func NewHTTPUpscaler(baseURL string, timeout time.Duration) *HTTPUpscaler {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPUpscaler{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// NeedsUpscaling asks the transform service whether sourceURL is below the
// print-resolution threshold.
func (u *HTTPUpscaler) NeedsUpscaling(ctx context.Context, sourceURL string) (bool, error) {
	q := url.Values{"url": {sourceURL}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL+"/inspect?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("upscaler inspect: status %d", resp.StatusCode)
	}
	var out struct {
		NeedsUpscaling bool `json:"needs_upscaling"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.NeedsUpscaling, nil
}

// Upscale runs the transform and returns the new asset's URL.
func (u *HTTPUpscaler) Upscale(ctx context.Context, sourceURL, orderID, itemID string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"source_url": sourceURL,
		"order_id":   orderID,
		"item_id":    itemID,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/upscale", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := u.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upscaler: status %d", resp.StatusCode)
	}
	var out struct {
		PrintReadyURL string `json:"print_ready_url"`
		SizeBytes     int64  `json:"size_bytes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.PrintReadyURL, nil
}
