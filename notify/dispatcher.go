package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"bondwatch/config"
	"bondwatch/logger"
)

// Dispatcher delivers a rendered message to one recipient. Delivery is an
// external concern; failures are reported, never retried here.
type Dispatcher interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// TelegramDispatcher sends messages through the Telegram Bot API.
type TelegramDispatcher struct {
	cfg        config.TelegramConfig
	httpClient *http.Client
	log        *logger.Log
}

func NewTelegramDispatcher(cfg config.TelegramConfig) *TelegramDispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramDispatcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.GetLogger(),
	}
}

// Send posts a sendMessage call for the chat. A non-OK HTTP status or an
// ok=false API response both count as failures.
func (d *TelegramDispatcher) Send(ctx context.Context, chatID int64, text string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encode sendMessage: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", d.cfg.APIURL, d.cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sendMessage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sendMessage: HTTP %s", resp.Status)
	}

	var apiResp struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("decode sendMessage response: %w", err)
	}
	if !apiResp.OK {
		return fmt.Errorf("sendMessage rejected: %s", apiResp.Description)
	}

	d.log.WithComponent("telegram").WithFields(logger.Fields{"chat_id": chatID}).Debug("message delivered")
	return nil
}
