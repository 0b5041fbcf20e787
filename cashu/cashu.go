// Package cashu contains the core structs and logic
// of the Cashu protocol.
package cashu

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"
)

type Unit string

const (
	BTC  Unit = "btc"
	Sat  Unit = "sat"
	Msat Unit = "msat"
	USD  Unit = "usd"
	EUR  Unit = "eur"
	GBP  Unit = "gbp"
	JPY  Unit = "jpy"
	Auth Unit = "auth"
	USDT Unit = "usdt"
	USDC Unit = "usdc"
	DAI  Unit = "dai"

	BOLT11_METHOD = "bolt11"
)

var units = map[Unit]bool{
	BTC: true, Sat: true, Msat: true, USD: true, EUR: true, GBP: true,
	JPY: true, Auth: true, USDT: true, USDC: true, DAI: true,
}

func (unit Unit) String() string {
	return string(unit)
}

func ParseUnit(s string) (Unit, error) {
	unit := Unit(s)
	if !units[unit] {
		return "", ErrInvalidUnit
	}
	return unit, nil
}

// BaseFactor is how many base units (the denomination mints account
// in) one user-facing unit is worth: cents for fiat and stablecoins,
// sats for btc.
func (unit Unit) BaseFactor() uint64 {
	switch unit {
	case BTC:
		return 100_000_000
	case USD, EUR, GBP, JPY, USDT, USDC, DAI:
		return 100
	default:
		return 1
	}
}

func (unit Unit) ToBaseUnit(amount uint64) uint64 {
	return amount * unit.BaseFactor()
}

func (unit Unit) FromBaseUnit(amount uint64) float64 {
	return float64(amount) / float64(unit.BaseFactor())
}

// Lightning invoices are denominated in millisatoshis.
func SatToMsat(amount uint64) uint64 { return amount * 1000 }

func MsatToSat(amount uint64) uint64 { return amount / 1000 }

var (
	ErrInvalidTokenV3 = errors.New("invalid V3 token")
	ErrInvalidTokenV4 = errors.New("invalid V4 token")
	ErrInvalidUnit    = errors.New("invalid unit")
)

// Cashu BlindedMessage. See https://github.com/cashubtc/nuts/blob/main/00.md#blindedmessage
type BlindedMessage struct {
	Amount uint64 `json:"amount"`
	B_     string `json:"B_"`
	Id     string `json:"id"`
}

func NewBlindedMessage(id string, amount uint64, B_ *secp256k1.PublicKey) BlindedMessage {
	B_str := hex.EncodeToString(B_.SerializeCompressed())
	return BlindedMessage{Amount: amount, B_: B_str, Id: id}
}

type BlindedMessages []BlindedMessage

func (bm BlindedMessages) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, msg := range bm {
		totalAmount += msg.Amount
	}
	return totalAmount
}

// SortBlindedMessages sorts the messages by ascending amount, keeping
// secrets and blinding factors aligned with their message.
func SortBlindedMessages(blindedMessages BlindedMessages, secrets []string, rs []*secp256k1.PrivateKey) {
	for i := 0; i < len(blindedMessages)-1; i++ {
		for j := i + 1; j < len(blindedMessages); j++ {
			if blindedMessages[i].Amount > blindedMessages[j].Amount {
				blindedMessages[i], blindedMessages[j] = blindedMessages[j], blindedMessages[i]
				secrets[i], secrets[j] = secrets[j], secrets[i]
				rs[i], rs[j] = rs[j], rs[i]
			}
		}
	}
}

// Cashu BlindedSignature. See https://github.com/cashubtc/nuts/blob/main/00.md#blindsignature
type BlindedSignature struct {
	Amount uint64 `json:"amount"`
	C_     string `json:"C_"`
	Id     string `json:"id"`
}

type BlindedSignatures []BlindedSignature

func (bs BlindedSignatures) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, sig := range bs {
		totalAmount += sig.Amount
	}
	return totalAmount
}

// Cashu Proof. See https://github.com/cashubtc/nuts/blob/main/00.md#proof
type Proof struct {
	Amount uint64 `json:"amount"`
	Id     string `json:"id"`
	Secret string `json:"secret"`
	C      string `json:"C"`
}

// Fingerprint identifies a proof independently of the event that
// carries it.
func (p Proof) Fingerprint() string {
	return p.Secret + ":" + p.C
}

type Proofs []Proof

// Amount returns the total amount from
// the array of Proof
func (proofs Proofs) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, proof := range proofs {
		totalAmount += proof.Amount
	}
	return totalAmount
}

// SortAscending orders proofs by ascending amount as required for
// swap and melt inputs.
func (proofs Proofs) SortAscending() {
	sort.Slice(proofs, func(i, j int) bool {
		return proofs[i].Amount < proofs[j].Amount
	})
}

// Cashu token. See https://github.com/cashubtc/nuts/blob/main/00.md#token-format
type Token interface {
	Proofs() Proofs
	Mint() string
	Amount() uint64
	Serialize() (string, error)
}

func DecodeToken(tokenstr string) (Token, error) {
	token, err := DecodeTokenV4(tokenstr)
	if err != nil {
		// if err, try decoding as V3
		tokenV3, err := DecodeTokenV3(tokenstr)
		if err != nil {
			return nil, fmt.Errorf("invalid token: %v", err)
		}
		return tokenV3, nil
	}
	return token, nil
}

type TokenV3 struct {
	Token []TokenV3Proof `json:"token"`
	Unit  string         `json:"unit"`
	Memo  string         `json:"memo,omitempty"`
}

type TokenV3Proof struct {
	Mint   string `json:"mint"`
	Proofs Proofs `json:"proofs"`
}

func NewTokenV3(proofs Proofs, mint string, unit Unit) (TokenV3, error) {
	if !units[unit] {
		return TokenV3{}, ErrInvalidUnit
	}
	tokenProof := TokenV3Proof{Mint: mint, Proofs: proofs}
	return TokenV3{Token: []TokenV3Proof{tokenProof}, Unit: unit.String()}, nil
}

func DecodeTokenV3(tokenstr string) (*TokenV3, error) {
	if len(tokenstr) < 6 {
		return nil, ErrInvalidTokenV3
	}
	prefixVersion := tokenstr[:6]
	base64Token := tokenstr[6:]

	if prefixVersion != "cashuA" {
		return nil, ErrInvalidTokenV3
	}

	tokenBytes, err := base64.URLEncoding.DecodeString(base64Token)
	if err != nil {
		tokenBytes, err = base64.RawURLEncoding.DecodeString(base64Token)
		if err != nil {
			return nil, fmt.Errorf("error decoding token: %v", err)
		}
	}

	var token TokenV3
	err = json.Unmarshal(tokenBytes, &token)
	if err != nil {
		return nil, fmt.Errorf("error unmarshaling token: %v", err)
	}

	return &token, nil
}

func (t TokenV3) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tokenProof := range t.Token {
		proofs = append(proofs, tokenProof.Proofs...)
	}
	return proofs
}

func (t TokenV3) Mint() string {
	return t.Token[0].Mint
}

func (t TokenV3) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, tokenProof := range t.Token {
		for _, proof := range tokenProof.Proofs {
			totalAmount += proof.Amount
		}
	}
	return totalAmount
}

func (t TokenV3) Serialize() (string, error) {
	jsonBytes, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	token := "cashuA" + base64.URLEncoding.EncodeToString(jsonBytes)
	return token, nil
}

type TokenV4 struct {
	TokenProofs []TokenV4Proof `json:"t"`
	Memo        string         `json:"d,omitempty"`
	MintURL     string         `json:"m"`
	Unit        string         `json:"u"`
}

type TokenV4Proof struct {
	Id     []byte    `json:"i"`
	Proofs []ProofV4 `json:"p"`
}

func (tp *TokenV4Proof) MarshalJSON() ([]byte, error) {
	tokenProof := struct {
		Id     string    `json:"i"`
		Proofs []ProofV4 `json:"p"`
	}{
		Id:     hex.EncodeToString(tp.Id),
		Proofs: tp.Proofs,
	}
	return json.Marshal(tokenProof)
}

type ProofV4 struct {
	Amount uint64 `json:"a"`
	Secret string `json:"s"`
	C      []byte `json:"c"`
}

func (p *ProofV4) MarshalJSON() ([]byte, error) {
	proof := struct {
		Amount uint64 `json:"a"`
		Secret string `json:"s"`
		C      string `json:"c"`
	}{
		Amount: p.Amount,
		Secret: p.Secret,
		C:      hex.EncodeToString(p.C),
	}
	return json.Marshal(proof)
}

func NewTokenV4(proofs Proofs, mint string, unit Unit) (TokenV4, error) {
	if !units[unit] {
		return TokenV4{}, ErrInvalidUnit
	}

	proofsMap := make(map[string][]ProofV4)
	for _, proof := range proofs {
		C, err := hex.DecodeString(proof.C)
		if err != nil {
			return TokenV4{}, fmt.Errorf("invalid C: %v", err)
		}
		proofV4 := ProofV4{
			Amount: proof.Amount,
			Secret: proof.Secret,
			C:      C,
		}
		proofsMap[proof.Id] = append(proofsMap[proof.Id], proofV4)
	}

	// deterministic keyset group order
	keysetIds := make([]string, 0, len(proofsMap))
	for k := range proofsMap {
		keysetIds = append(keysetIds, k)
	}
	sort.Strings(keysetIds)

	proofsV4 := make([]TokenV4Proof, len(keysetIds))
	for i, k := range keysetIds {
		keysetIdBytes, err := hex.DecodeString(k)
		if err != nil {
			return TokenV4{}, fmt.Errorf("invalid keyset id: %v", err)
		}
		proofsV4[i] = TokenV4Proof{Id: keysetIdBytes, Proofs: proofsMap[k]}
	}

	return TokenV4{MintURL: mint, Unit: unit.String(), TokenProofs: proofsV4}, nil
}

func DecodeTokenV4(tokenstr string) (*TokenV4, error) {
	if len(tokenstr) < 6 {
		return nil, ErrInvalidTokenV4
	}
	prefixVersion := tokenstr[:6]
	base64Token := tokenstr[6:]
	if prefixVersion != "cashuB" {
		return nil, ErrInvalidTokenV4
	}

	tokenBytes, err := base64.URLEncoding.DecodeString(base64Token)
	if err != nil {
		tokenBytes, err = base64.RawURLEncoding.DecodeString(base64Token)
		if err != nil {
			return nil, fmt.Errorf("error decoding token: %v", err)
		}
	}

	var tokenV4 TokenV4
	err = cbor.Unmarshal(tokenBytes, &tokenV4)
	if err != nil {
		return nil, fmt.Errorf("cbor.Unmarshal: %v", err)
	}

	return &tokenV4, nil
}

func (t TokenV4) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tokenV4Proof := range t.TokenProofs {
		keysetId := hex.EncodeToString(tokenV4Proof.Id)
		for _, proofV4 := range tokenV4Proof.Proofs {
			proof := Proof{
				Amount: proofV4.Amount,
				Id:     keysetId,
				Secret: proofV4.Secret,
				C:      hex.EncodeToString(proofV4.C),
			}
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

func (t TokenV4) Mint() string {
	return t.MintURL
}

func (t TokenV4) Amount() uint64 {
	var totalAmount uint64
	for _, proof := range t.Proofs() {
		totalAmount += proof.Amount
	}
	return totalAmount
}

func (t TokenV4) Serialize() (string, error) {
	cborData, err := cbor.Marshal(t)
	if err != nil {
		return "", err
	}

	token := "cashuB" + base64.RawURLEncoding.EncodeToString(cborData)
	return token, nil
}

type CashuErrCode int

// Error represents an error returned by the mint
type Error struct {
	Detail string       `json:"detail"`
	Code   CashuErrCode `json:"code"`
}

func BuildCashuError(detail string, code CashuErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

// Common error codes
const (
	StandardErrCode CashuErrCode = 10000

	UnitErrCode          CashuErrCode = 11005
	PaymentMethodErrCode CashuErrCode = 11007

	InvalidProofErrCode            CashuErrCode = 10003
	ProofAlreadyUsedErrCode        CashuErrCode = 11001
	InsufficientProofAmountErrCode CashuErrCode = 11002

	UnknownKeysetErrCode  CashuErrCode = 12001
	InactiveKeysetErrCode CashuErrCode = 12002

	MintQuoteRequestNotPaidErrCode CashuErrCode = 20001
	MintQuoteAlreadyIssuedErrCode  CashuErrCode = 20002

	MeltQuotePendingErrCode     CashuErrCode = 20005
	MeltQuoteAlreadyPaidErrCode CashuErrCode = 20006
	MeltQuoteErrCode            CashuErrCode = 20009
)

// Given an amount, it returns list of amounts e.g 13 -> [1, 4, 8]
// that can be used to build blinded messages or split operations.
func AmountSplit(amount uint64) []uint64 {
	rv := make([]uint64, 0)
	for pos := 0; amount > 0; pos++ {
		if amount&1 == 1 {
			rv = append(rv, 1<<pos)
		}
		amount >>= 1
	}
	return rv
}

func CheckDuplicateProofs(proofs Proofs) bool {
	proofsMap := make(map[Proof]bool)

	for _, proof := range proofs {
		if proofsMap[proof] {
			return true
		} else {
			proofsMap[proof] = true
		}
	}

	return false
}

func GenerateRandomBytes() ([]byte, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, err
	}
	return randomBytes, nil
}

func Max(x, y uint64) uint64 {
	if x > y {
		return x
	}
	return y
}
