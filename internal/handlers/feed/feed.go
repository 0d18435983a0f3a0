package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketflow/internal/domain"
)

// Refresh fetches a listing's feed URL. The parse-and-store step is
// injected; this handler only owns transport and failure classification.
type Refresh struct {
	Client *http.Client
	// Ingest consumes the fetched body. Nil means fetch-and-discard,
	// which is enough for liveness probing.
	Ingest func(ctx context.Context, listingID string, body []byte) error
}

type Request struct {
	ListingID string `json:"listing_id"`
	URL       string `json:"url"`
	Timeout   int    `json:"timeout"` // seconds
}

func (h Refresh) Execute(ctx context.Context, payload []byte) domain.Result {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return domain.Terminal(fmt.Errorf("invalid feed payload: %w", err))
	}
	if req.URL == "" {
		return domain.Terminal(fmt.Errorf("feed url is required"))
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: time.Duration(req.Timeout) * time.Second}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return domain.Terminal(fmt.Errorf("build feed request: %w", err))
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return domain.Retry(fmt.Errorf("fetch feed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Retry(fmt.Errorf("read feed body: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return domain.Retry(fmt.Errorf("feed returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		// The URL itself is bad; retrying won't fix a 404.
		return domain.Terminal(fmt.Errorf("feed returned %d", resp.StatusCode))
	}

	if h.Ingest != nil {
		if err := h.Ingest(ctx, req.ListingID, body); err != nil {
			return domain.Retry(fmt.Errorf("ingest feed: %w", err))
		}
	}
	return domain.OK()
}
