package tinkoff

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"bondwatch/config"
	"bondwatch/logger"
	"bondwatch/models"
	"bondwatch/provider"
)

const timeLayout = "2006-01-02T15:04:05Z"

// Client talks to the Tinkoff Invest InstrumentsService over REST. It is the
// primary coupon source and requires a resolved FIGI.
type Client struct {
	cfg        config.TinkoffSourceConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Log
}

// NewClient creates a Tinkoff client. Requests are rate limited according to
// the source configuration.
func NewClient(cfg config.TinkoffSourceConfig) *Client {
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
	return models.SourceTinkoff
}

// FetchCoupons requests GetBondCoupons for the bond's FIGI over the given
// window. Upstream misbehavior is reported as *provider.Failure, never as a
// panic or raw error.
func (c *Client) FetchCoupons(ctx context.Context, bond *models.TrackedBond, w provider.Window) ([]provider.RawEvent, error) {
	if !bond.HasFIGI() {
		return nil, provider.NotFound(models.SourceTinkoff, fmt.Errorf("no FIGI resolved for %s", bond.ISIN))
	}

	body := map[string]string{
		"instrumentId": bond.FIGI,
		"from":         w.From.UTC().Format(timeLayout),
		"to":           w.To.UTC().Format(timeLayout),
	}

	var resp struct {
		Events []map[string]interface{} `json:"events"`
	}
	if err := c.postJSON(ctx, c.cfg.CouponsURL, body, &resp); err != nil {
		return nil, err
	}

	events := make([]provider.RawEvent, 0, len(resp.Events))
	for _, fields := range resp.Events {
		events = append(events, provider.RawEvent{Source: models.SourceTinkoff, Fields: fields})
	}

	c.log.WithComponent("tinkoff_client").WithFields(logger.Fields{
		"figi":   bond.FIGI,
		"from":   models.FormatDate(w.From),
		"to":     models.FormatDate(w.To),
		"events": len(events),
	}).Debug("fetched bond coupons")

	return events, nil
}

// postJSON performs an authenticated POST and decodes the response into out.
// Numbers are decoded as json.Number so amounts survive without a float64
// round trip.
func (c *Client) postJSON(ctx context.Context, url string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return provider.Transient(models.SourceTinkoff, err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return provider.Malformed(models.SourceTinkoff, fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return provider.Transient(models.SourceTinkoff, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Transient(models.SourceTinkoff, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return provider.NotFound(models.SourceTinkoff, fmt.Errorf("HTTP %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return provider.Transient(models.SourceTinkoff, fmt.Errorf("HTTP %s", resp.Status))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return provider.Malformed(models.SourceTinkoff, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
