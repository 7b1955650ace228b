package stake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/chess-site/coordinator/internal/obslog"
	"go.uber.org/zap"
)

// Instruction tells the external ledger how to resolve a finished session's
// pot. An empty WinnerColor denotes a draw; the ledger owns the refund split.
type Instruction struct {
	Code        string `json:"code"`
	WinnerColor string `json:"winnerColor,omitempty"`
	WinnerID    string `json:"winnerId,omitempty"`
	Amount      int64  `json:"amount"`
	Method      string `json:"method"`
}

// Settler emits one settlement instruction. The coordinator guarantees it is
// called at most once per session; implementations only deliver.
type Settler interface {
	Settle(ctx context.Context, in Instruction) error
}

// LedgerClient posts settlement instructions to the wallet/contract service.
type LedgerClient struct {
	baseURL  string
	http     *fasthttp.Client
	timeout  time.Duration
	retryMax int
}

type Option func(*LedgerClient)

func WithTimeout(d time.Duration) Option {
	return func(c *LedgerClient) { c.timeout = d }
}

func WithRetry(max int) Option {
	return func(c *LedgerClient) { c.retryMax = max }
}

func NewLedgerClient(baseURL string, opts ...Option) *LedgerClient {
	c := &LedgerClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		timeout:  10 * time.Second,
		retryMax: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LedgerClient) Settle(ctx context.Context, in Instruction) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(c.baseURL + "/settlements")
	req.Header.SetContentType("application/json")
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}
	req.SetBody(payload)

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.http.DoTimeout(req, resp, c.timeout)
		if err == nil && resp.StatusCode() < 300 {
			obslog.L().Info("stake_settled",
				zap.String("code", in.Code),
				zap.String("winner_color", in.WinnerColor),
				zap.Int64("amount", in.Amount),
				zap.String("method", in.Method),
			)
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("ledger status %d", resp.StatusCode())
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
		}
	}
	return fmt.Errorf("settle %s: %w", in.Code, lastErr)
}

// NopSettler logs instructions without delivering them. Used when no ledger
// endpoint is configured.
type NopSettler struct{}

func (NopSettler) Settle(_ context.Context, in Instruction) error {
	obslog.L().Info("stake_settle_skipped",
		zap.String("code", in.Code),
		zap.String("winner_color", in.WinnerColor),
		zap.Int64("amount", in.Amount),
	)
	return nil
}
