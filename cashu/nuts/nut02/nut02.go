// Package nut02 types for keysets and fees.
// See https://github.com/cashubtc/nuts/blob/main/02.md
package nut02

type GetKeysetsResponse struct {
	Keysets []Keyset `json:"keysets"`
}

type Keyset struct {
	Id          string `json:"id"`
	Unit        string `json:"unit"`
	Active      bool   `json:"active"`
	InputFeePpk uint   `json:"input_fee_ppk"`
}
