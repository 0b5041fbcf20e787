// Package nut03 types for swapping proofs.
// See https://github.com/cashubtc/nuts/blob/main/03.md
package nut03

import "github.com/nut60/nut60/cashu"

type PostSwapRequest struct {
	Inputs  cashu.Proofs          `json:"inputs"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostSwapResponse struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
