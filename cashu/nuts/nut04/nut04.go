// Package nut04 types for requesting the minting of tokens.
// See https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import (
	"encoding/json"

	"github.com/nut60/nut60/cashu"
)

type QuoteState int

const (
	Unpaid QuoteState = iota
	Paid
	Issued
	Unknown
)

func (state QuoteState) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Issued:
		return "ISSUED"
	default:
		return "unknown"
	}
}

func StringToState(state string) QuoteState {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PAID":
		return Paid
	case "ISSUED":
		return Issued
	}
	return Unknown
}

type PostMintQuoteBolt11Request struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
}

type PostMintQuoteBolt11Response struct {
	Quote   string     `json:"quote"`
	Request string     `json:"request"`
	Amount  uint64     `json:"amount,omitempty"`
	Unit    string     `json:"unit,omitempty"`
	State   QuoteState `json:"state"`
	Expiry  uint64     `json:"expiry"`
}

type PostMintBolt11Request struct {
	Quote   string                `json:"quote"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostMintBolt11Response struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}

type tempQuote struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	Amount  uint64 `json:"amount,omitempty"`
	Unit    string `json:"unit,omitempty"`
	State   string `json:"state"`
	Expiry  uint64 `json:"expiry"`
	// older mints report paid flag instead of state
	Paid *bool `json:"paid,omitempty"`
}

func (quoteResponse *PostMintQuoteBolt11Response) MarshalJSON() ([]byte, error) {
	var tempQuote = tempQuote{
		Quote:   quoteResponse.Quote,
		Request: quoteResponse.Request,
		Amount:  quoteResponse.Amount,
		Unit:    quoteResponse.Unit,
		State:   quoteResponse.State.String(),
		Expiry:  quoteResponse.Expiry,
	}
	return json.Marshal(tempQuote)
}

func (quoteResponse *PostMintQuoteBolt11Response) UnmarshalJSON(data []byte) error {
	var tempQuote tempQuote

	if err := json.Unmarshal(data, &tempQuote); err != nil {
		return err
	}

	quoteResponse.Quote = tempQuote.Quote
	quoteResponse.Request = tempQuote.Request
	quoteResponse.Amount = tempQuote.Amount
	quoteResponse.Unit = tempQuote.Unit
	state := StringToState(tempQuote.State)
	if state == Unknown && tempQuote.Paid != nil {
		if *tempQuote.Paid {
			state = Paid
		} else {
			state = Unpaid
		}
	}
	quoteResponse.State = state
	quoteResponse.Expiry = tempQuote.Expiry

	return nil
}
