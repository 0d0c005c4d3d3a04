package hostsim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/gurungabit/iast/internal/api/types"
)

// Reporter mirrors task telemetry to the relay API so a reloading client
// can rehydrate execution state from the persisted-execution lookup.
// Every call is best effort: a dead API costs log lines, never task
// progress. A nil Reporter is valid and does nothing.
type Reporter struct {
	baseURL string
	token   string
	client  *http.Client
	log     pslog.Logger
}

// NewReporter exchanges accessKey for a token at baseURL and returns a
// ready reporter.
func NewReporter(ctx context.Context, baseURL, accessKey string, logger pslog.Logger) (*Reporter, error) {
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	baseURL = strings.TrimRight(baseURL, "/")
	client := &http.Client{Timeout: 10 * time.Second}

	body, err := json.Marshal(types.AuthRequest{AccessKey: accessKey})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/auth", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth rejected: status %d", resp.StatusCode)
	}
	var out types.AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	return &Reporter{baseURL: baseURL, token: out.Token, client: client, log: logger}, nil
}

// ReportStatus upserts the execution record for a session.
func (r *Reporter) ReportStatus(ctx context.Context, sessionID string, req types.ReportExecutionRequest) {
	if r == nil {
		return
	}
	r.post(ctx, fmt.Sprintf("%s/v1/sessions/%s/execution", r.baseURL, sessionID), req)
}

// ReportItem appends one item result to the execution record.
func (r *Reporter) ReportItem(ctx context.Context, sessionID string, req types.ReportExecutionItemRequest) {
	if r == nil {
		return
	}
	r.post(ctx, fmt.Sprintf("%s/v1/sessions/%s/execution/items", r.baseURL, sessionID), req)
}

func (r *Reporter) post(ctx context.Context, url string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("encode report", "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		r.log.Warn("build report request", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Warn("report failed", "url", url, "err", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		r.log.Warn("report rejected", "url", url, "status", resp.StatusCode)
	}
}
