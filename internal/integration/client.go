package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LedgerClient wraps interactions with the external accounting API.
type LedgerClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewLedgerClient constructs a new client.
func NewLedgerClient(baseURL, token string, timeout time.Duration) *LedgerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LedgerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Ping checks if the accounting service is available.
func (c *LedgerClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", c.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("accounting returned status %d", resp.StatusCode)
	}
	return nil
}

type ledgerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PostJournal sends a journal. A conflict reporting the source id as already
// linked maps to ErrSourceAlreadyLinked.
func (c *LedgerClient) PostJournal(ctx context.Context, journal Journal) (JournalReceipt, error) {
	body, err := json.Marshal(journal)
	if err != nil {
		return JournalReceipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/journals", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return JournalReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", journal.SourceID.String())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return JournalReceipt{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return JournalReceipt{}, err
	}
	if resp.StatusCode >= 400 {
		var le ledgerError
		_ = json.Unmarshal(payload, &le)
		if resp.StatusCode == http.StatusConflict && le.Code == "source_already_linked" {
			return JournalReceipt{}, ErrSourceAlreadyLinked
		}
		if le.Message == "" {
			le.Message = http.StatusText(resp.StatusCode)
		}
		return JournalReceipt{}, fmt.Errorf("post journal failed with status %d: %s", resp.StatusCode, le.Message)
	}
	var receipt JournalReceipt
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &receipt); err != nil {
			return JournalReceipt{}, err
		}
	}
	return receipt, nil
}
