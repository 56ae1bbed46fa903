package moex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"bondwatch/config"
	"bondwatch/logger"
	"bondwatch/models"
	"bondwatch/provider"
)

// Client talks to the MOEX ISS API. It is the secondary coupon source and is
// queryable by ISIN alone, so it works before a FIGI has been resolved. The
// API is keyless.
type Client struct {
	cfg        config.MoexSourceConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Log
}

// NewClient creates a MOEX ISS client.
func NewClient(cfg config.MoexSourceConfig) *Client {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	timeout := cfg.LongTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		log:        logger.GetLogger(),
	}
}

func (c *Client) Name() models.Source {
	return models.SourceMoex
}

// bondizationBlock is one columnar section of bondization.json: a list of
// column names and a list of rows.
type bondizationBlock struct {
	Columns []string             `json:"columns"`
	Data    [][]*json.RawMessage `json:"data"`
}

type bondizationResponse struct {
	Coupons       bondizationBlock `json:"coupons"`
	Amortizations bondizationBlock `json:"amortizations"`
	Offers        bondizationBlock `json:"offers"`
}

// FetchCoupons returns the coupon rows of bondization.json as raw events.
// MOEX does not support a date window on this endpoint; the full schedule is
// returned and callers filter. The window argument only documents intent.
func (c *Client) FetchCoupons(ctx context.Context, bond *models.TrackedBond, _ provider.Window) ([]provider.RawEvent, error) {
	resp, err := c.fetchBondization(ctx, bond.ISIN)
	if err != nil {
		return nil, err
	}

	events := blockToRawEvents(resp.Coupons)
	c.log.WithComponent("moex_client").WithFields(logger.Fields{
		"isin":   bond.ISIN,
		"events": len(events),
	}).Debug("fetched bondization coupons")
	return events, nil
}

// Events returns the non-coupon schedule entries (amortizations and offers)
// for display. They are surfaced read-only and never reconciled.
func (c *Client) Events(ctx context.Context, isin string) ([]models.BondizationEvent, error) {
	resp, err := c.fetchBondization(ctx, isin)
	if err != nil {
		return nil, err
	}

	var out []models.BondizationEvent
	for _, kind := range []struct {
		name    string
		block   bondizationBlock
		dateCol string
		valCol  string
	}{
		{"amortization", resp.Amortizations, "amortdate", "value"},
		{"offer", resp.Offers, "offerdate", "price"},
	} {
		for _, raw := range blockToRawEvents(kind.block) {
			ev, ok := decodeScheduleEntry(kind.name, raw.Fields, kind.dateCol, kind.valCol)
			if ok {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

// BondName returns the instrument's short name from the securities endpoint,
// used when the primary provider has not supplied one.
func (c *Client) BondName(ctx context.Context, isin string) (string, error) {
	url := fmt.Sprintf("%s/iss/securities/%s.json?iss.meta=off", c.cfg.BaseURL, isin)

	var resp struct {
		Description bondizationBlock `json:"description"`
	}
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return "", err
	}

	for _, raw := range blockToRawEvents(resp.Description) {
		name, _ := raw.Fields["name"].(string)
		if name != "SHORTNAME" && name != "NAME" {
			continue
		}
		if value, ok := raw.Fields["value"].(string); ok && value != "" {
			return value, nil
		}
	}
	return "", provider.NotFound(models.SourceMoex, fmt.Errorf("no name for %s", isin))
}

func (c *Client) fetchBondization(ctx context.Context, isin string) (*bondizationResponse, error) {
	url := fmt.Sprintf("%s/iss/securities/%s/bondization.json?iss.meta=off", c.cfg.BaseURL, isin)
	var resp bondizationResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return provider.Transient(models.SourceMoex, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return provider.Transient(models.SourceMoex, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Transient(models.SourceMoex, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return provider.NotFound(models.SourceMoex, fmt.Errorf("HTTP %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return provider.Transient(models.SourceMoex, fmt.Errorf("HTTP %s", resp.Status))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return provider.Malformed(models.SourceMoex, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// blockToRawEvents zips a columnar block into per-row field maps keyed by
// column name. Cells stay as decoded JSON values (json.Number for numbers,
// nil for null).
func blockToRawEvents(block bondizationBlock) []provider.RawEvent {
	events := make([]provider.RawEvent, 0, len(block.Data))
	for _, row := range block.Data {
		if len(row) != len(block.Columns) {
			continue
		}
		fields := make(map[string]interface{}, len(block.Columns))
		for i, col := range block.Columns {
			fields[col] = decodeCell(row[i])
		}
		events = append(events, provider.RawEvent{Source: models.SourceMoex, Fields: fields})
	}
	return events
}

func decodeCell(raw *json.RawMessage) interface{} {
	if raw == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(*raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

// decodeScheduleEntry converts one amortization/offer row into a display
// event. Rows with a missing date are dropped; a missing value renders as
// zero since these entries are informational only.
func decodeScheduleEntry(kind string, fields map[string]interface{}, dateCol, valCol string) (models.BondizationEvent, bool) {
	dateStr, _ := fields[dateCol].(string)
	if dateStr == "" {
		return models.BondizationEvent{}, false
	}
	date, err := models.ParseDate(dateStr)
	if err != nil {
		return models.BondizationEvent{}, false
	}

	ev := models.BondizationEvent{Kind: kind, Date: date}
	if num, ok := fields[valCol].(json.Number); ok {
		if v, err := decimal.NewFromString(num.String()); err == nil {
			ev.Value = v
		}
	}
	return ev, true
}
