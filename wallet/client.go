package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nut60/nut60/cashu"
	"github.com/nut60/nut60/cashu/nuts/nut01"
	"github.com/nut60/nut60/cashu/nuts/nut02"
	"github.com/nut60/nut60/cashu/nuts/nut03"
	"github.com/nut60/nut60/cashu/nuts/nut04"
	"github.com/nut60/nut60/cashu/nuts/nut05"
	"github.com/nut60/nut60/cashu/nuts/nut07"
)

const (
	mintRequestTimeout = 30 * time.Second
	maxMintRetries     = 3
)

// MintError is an error returned by a mint, carrying the NUT error
// code when the mint provided one.
type MintError struct {
	Code   cashu.CashuErrCode
	Detail string
}

func (e *MintError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("mint error %d: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("mint error: %s", e.Detail)
}

// MintClient talks to a single mint over its HTTP API. Requests run
// with a per-request deadline and transient server errors are retried.
type MintClient struct {
	mintURL string
	client  *http.Client
}

func NewMintClient(mintURL string) *MintClient {
	return &MintClient{
		mintURL: mintURL,
		client:  &http.Client{Timeout: mintRequestTimeout},
	}
}

func (mc *MintClient) URL() string {
	return mc.mintURL
}

func (mc *MintClient) do(ctx context.Context, method, path string, requestBody, responseBody any) error {
	var payload []byte
	if requestBody != nil {
		var err error
		payload, err = json.Marshal(requestBody)
		if err != nil {
			return err
		}
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < maxMintRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, mc.mintURL+path, body)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := mc.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("mint returned status %v", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			var mintErr cashu.Error
			if err := json.Unmarshal(data, &mintErr); err == nil && mintErr.Detail != "" {
				return &MintError{Code: mintErr.Code, Detail: mintErr.Detail}
			}
			return &MintError{Detail: fmt.Sprintf("status %v: %s", resp.StatusCode, data)}
		}

		if responseBody != nil {
			if err := json.Unmarshal(data, responseBody); err != nil {
				return fmt.Errorf("error decoding mint response: %v", err)
			}
		}
		return nil
	}
	return fmt.Errorf("mint request failed: %w", lastErr)
}

// GetActiveKeysets returns the keys of the mint's active keysets.
func (mc *MintClient) GetActiveKeysets(ctx context.Context) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := mc.do(ctx, http.MethodGet, "/v1/keys", nil, &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

// GetAllKeysets returns all keysets of the mint, including inactive
// ones and their fees.
func (mc *MintClient) GetAllKeysets(ctx context.Context) (*nut02.GetKeysetsResponse, error) {
	var keysetsRes nut02.GetKeysetsResponse
	if err := mc.do(ctx, http.MethodGet, "/v1/keysets", nil, &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

// GetKeysetById returns the keys of a specific keyset.
func (mc *MintClient) GetKeysetById(ctx context.Context, id string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := mc.do(ctx, http.MethodGet, "/v1/keys/"+id, nil, &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (mc *MintClient) PostMintQuoteBolt11(ctx context.Context,
	request nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error) {
	var quoteRes nut04.PostMintQuoteBolt11Response
	if err := mc.do(ctx, http.MethodPost, "/v1/mint/quote/bolt11", request, &quoteRes); err != nil {
		return nil, err
	}
	return &quoteRes, nil
}

func (mc *MintClient) GetMintQuoteState(ctx context.Context, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	var quoteRes nut04.PostMintQuoteBolt11Response
	if err := mc.do(ctx, http.MethodGet, "/v1/mint/quote/bolt11/"+quoteId, nil, &quoteRes); err != nil {
		return nil, err
	}
	return &quoteRes, nil
}

func (mc *MintClient) PostMintBolt11(ctx context.Context,
	request nut04.PostMintBolt11Request) (*nut04.PostMintBolt11Response, error) {
	var mintRes nut04.PostMintBolt11Response
	if err := mc.do(ctx, http.MethodPost, "/v1/mint/bolt11", request, &mintRes); err != nil {
		return nil, err
	}
	return &mintRes, nil
}

func (mc *MintClient) PostSwap(ctx context.Context, request nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	var swapRes nut03.PostSwapResponse
	if err := mc.do(ctx, http.MethodPost, "/v1/swap", request, &swapRes); err != nil {
		return nil, err
	}
	return &swapRes, nil
}

func (mc *MintClient) PostMeltQuoteBolt11(ctx context.Context,
	request nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {
	var meltQuoteRes nut05.PostMeltQuoteBolt11Response
	if err := mc.do(ctx, http.MethodPost, "/v1/melt/quote/bolt11", request, &meltQuoteRes); err != nil {
		return nil, err
	}
	return &meltQuoteRes, nil
}

func (mc *MintClient) GetMeltQuoteState(ctx context.Context, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	var meltQuoteRes nut05.PostMeltQuoteBolt11Response
	if err := mc.do(ctx, http.MethodGet, "/v1/melt/quote/bolt11/"+quoteId, nil, &meltQuoteRes); err != nil {
		return nil, err
	}
	return &meltQuoteRes, nil
}

func (mc *MintClient) PostMeltBolt11(ctx context.Context,
	request nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {
	var meltRes nut05.PostMeltQuoteBolt11Response
	if err := mc.do(ctx, http.MethodPost, "/v1/melt/bolt11", request, &meltRes); err != nil {
		return nil, err
	}
	return &meltRes, nil
}

func (mc *MintClient) PostCheckState(ctx context.Context,
	request nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error) {
	var stateRes nut07.PostCheckStateResponse
	if err := mc.do(ctx, http.MethodPost, "/v1/checkstate", request, &stateRes); err != nil {
		return nil, err
	}
	return &stateRes, nil
}

// IsTokenAlreadySpent reports whether a mint error indicates the
// inputs were already spent.
func IsTokenAlreadySpent(err error) bool {
	var mintErr *MintError
	if errors.As(err, &mintErr) {
		return mintErr.Code == cashu.ProofAlreadyUsedErrCode
	}
	return false
}
