package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/nut60/nut60/cashu"
)

var ErrInvalidLightningAddress = errors.New("invalid lightning address")

type lnurlPayParams struct {
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"`
	MaxSendable int64  `json:"maxSendable"`
	Tag         string `json:"tag"`
}

type lnurlInvoiceResponse struct {
	Pr     string `json:"pr"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// GetInvoiceForAddress resolves a user@domain lightning address and
// requests an invoice for the amount (in the wallet unit's sats). The
// returned invoice amount is verified before it is handed back.
func GetInvoiceForAddress(ctx context.Context, address string, amountSat uint64) (string, error) {
	user, domain, found := strings.Cut(address, "@")
	if !found || user == "" || domain == "" {
		return "", ErrInvalidLightningAddress
	}

	payParamsURL := fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, user)
	var payParams lnurlPayParams
	if err := getJSON(ctx, payParamsURL, &payParams); err != nil {
		return "", fmt.Errorf("error resolving lightning address: %w", err)
	}
	if payParams.Tag != "payRequest" || payParams.Callback == "" {
		return "", fmt.Errorf("%w: not a pay request", ErrInvalidLightningAddress)
	}

	amountMsat := int64(cashu.SatToMsat(amountSat))
	if amountMsat < payParams.MinSendable || amountMsat > payParams.MaxSendable {
		return "", fmt.Errorf("amount out of bounds: min %v msat, max %v msat",
			payParams.MinSendable, payParams.MaxSendable)
	}

	separator := "?"
	if strings.Contains(payParams.Callback, "?") {
		separator = "&"
	}
	callbackURL := payParams.Callback + separator + "amount=" + strconv.FormatInt(amountMsat, 10)

	var invoiceRes lnurlInvoiceResponse
	if err := getJSON(ctx, callbackURL, &invoiceRes); err != nil {
		return "", fmt.Errorf("error requesting invoice: %w", err)
	}
	if invoiceRes.Status == "ERROR" {
		return "", fmt.Errorf("lnurl error: %v", invoiceRes.Reason)
	}
	if invoiceRes.Pr == "" {
		return "", errors.New("lnurl response carried no invoice")
	}

	invoice, err := decodepay.Decodepay(invoiceRes.Pr)
	if err != nil {
		return "", fmt.Errorf("received invalid invoice: %v", err)
	}
	if invoice.MSatoshi != amountMsat {
		return "", fmt.Errorf("invoice amount %v msat does not match requested %v msat",
			invoice.MSatoshi, amountMsat)
	}
	return invoiceRes.Pr, nil
}

func getJSON(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %v", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}
