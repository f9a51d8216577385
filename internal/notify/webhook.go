package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/fillwatch/internal/domain"
)

// senderTimeout bounds each webhook POST so a hung endpoint cannot stall the
// watcher past the retry policy's control.
const senderTimeout = 10 * time.Second

func newSenderClient() *http.Client {
	return &http.Client{Timeout: senderTimeout}
}

// postJSON delivers a JSON payload to a webhook URL and classifies the
// outcome: any 2xx is success, 4xx (except 429) is permanent, and everything
// else (5xx, 429, timeouts, connection errors) is transient.
func postJSON(ctx context.Context, client *http.Client, sender, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &domain.DeliveryError{Sender: sender, Permanent: true, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &domain.DeliveryError{Sender: sender, Permanent: true, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &domain.DeliveryError{Sender: sender, Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	permanent := resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests
	return &domain.DeliveryError{
		Sender:     sender,
		StatusCode: resp.StatusCode,
		Permanent:  permanent,
		Err:        fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody)),
	}
}
