package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// WhatsOnChain base URLs.
const (
	WhatsOnChainMainnet = "https://api.whatsonchain.com/v1/bsv/main"
	WhatsOnChainTestnet = "https://api.whatsonchain.com/v1/bsv/test"
)

// UTXO is an unspent output owned by the wallet address.
type UTXO struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Value  uint64 `json:"value"`
	Height int64  `json:"height"`
}

// ChainSource answers balance and UTXO lookups and broadcasts transactions.
type ChainSource interface {
	Balance(ctx context.Context, address string) (int64, error)
	Unspent(ctx context.Context, address string) ([]UTXO, error)
	Broadcast(ctx context.Context, rawTx string) (string, error)
}

// WhatsOnChain is a ChainSource backed by the WhatsOnChain REST API.
type WhatsOnChain struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewWhatsOnChain creates a client. The public API allows 3 requests per
// second without a key.
func NewWhatsOnChain(baseURL string, httpClient *http.Client) *WhatsOnChain {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &WhatsOnChain{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(3), 3),
	}
}

func (w *WhatsOnChain) Balance(ctx context.Context, address string) (int64, error) {
	var resp struct {
		Confirmed   int64 `json:"confirmed"`
		Unconfirmed int64 `json:"unconfirmed"`
	}
	if err := w.call(ctx, http.MethodGet, "/address/"+address+"/balance", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Confirmed + resp.Unconfirmed, nil
}

func (w *WhatsOnChain) Unspent(ctx context.Context, address string) ([]UTXO, error) {
	var utxos []UTXO
	if err := w.call(ctx, http.MethodGet, "/address/"+address+"/unspent", nil, &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}

func (w *WhatsOnChain) Broadcast(ctx context.Context, rawTx string) (string, error) {
	var txid string
	body := map[string]string{"txhex": rawTx}
	if err := w.call(ctx, http.MethodPost, "/tx/raw", body, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

func (w *WhatsOnChain) call(ctx context.Context, method, path string, body, out any) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, w.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsonchain %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return fmt.Errorf("whatsonchain %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode whatsonchain %s response: %w", path, err)
	}
	return nil
}
