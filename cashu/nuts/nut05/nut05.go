// Package nut05 types for melting tokens, including the NUT-08
// change signatures for overpaid Lightning fees.
// See https://github.com/cashubtc/nuts/blob/main/05.md
// and https://github.com/cashubtc/nuts/blob/main/08.md
package nut05

import (
	"encoding/json"

	"github.com/nut60/nut60/cashu"
)

type QuoteState int

const (
	Unpaid QuoteState = iota
	Pending
	Paid
	Failed
	Unknown
)

func (state QuoteState) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	case Failed:
		return "FAILED"
	default:
		return "unknown"
	}
}

func StringToState(state string) QuoteState {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PENDING":
		return Pending
	case "PAID":
		return Paid
	case "FAILED":
		return Failed
	}
	return Unknown
}

type PostMeltQuoteBolt11Request struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string                  `json:"quote"`
	Amount     uint64                  `json:"amount"`
	FeeReserve uint64                  `json:"fee_reserve"`
	State      QuoteState              `json:"state"`
	Expiry     uint64                  `json:"expiry"`
	Preimage   string                  `json:"payment_preimage,omitempty"`
	Change     cashu.BlindedSignatures `json:"change,omitempty"`
}

type PostMeltBolt11Request struct {
	Quote  string       `json:"quote"`
	Inputs cashu.Proofs `json:"inputs"`

	// NUT-08 change outputs: ordinary outputs for overselected inputs
	// plus blank outputs the mint fills with the returned fee reserve
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}

type tempQuote struct {
	Quote      string                  `json:"quote"`
	Amount     uint64                  `json:"amount"`
	FeeReserve uint64                  `json:"fee_reserve"`
	State      string                  `json:"state"`
	Expiry     uint64                  `json:"expiry"`
	Preimage   string                  `json:"payment_preimage,omitempty"`
	Change     cashu.BlindedSignatures `json:"change,omitempty"`
	// older mints report paid flag instead of state
	Paid *bool `json:"paid,omitempty"`
}

func (quoteResponse *PostMeltQuoteBolt11Response) MarshalJSON() ([]byte, error) {
	var tempQuote = tempQuote{
		Quote:      quoteResponse.Quote,
		Amount:     quoteResponse.Amount,
		FeeReserve: quoteResponse.FeeReserve,
		State:      quoteResponse.State.String(),
		Expiry:     quoteResponse.Expiry,
		Preimage:   quoteResponse.Preimage,
		Change:     quoteResponse.Change,
	}
	return json.Marshal(tempQuote)
}

func (quoteResponse *PostMeltQuoteBolt11Response) UnmarshalJSON(data []byte) error {
	var tempQuote tempQuote

	if err := json.Unmarshal(data, &tempQuote); err != nil {
		return err
	}

	quoteResponse.Quote = tempQuote.Quote
	quoteResponse.Amount = tempQuote.Amount
	quoteResponse.FeeReserve = tempQuote.FeeReserve
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
	quoteResponse.Preimage = tempQuote.Preimage
	quoteResponse.Change = tempQuote.Change

	return nil
}
