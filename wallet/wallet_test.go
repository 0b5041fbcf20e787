package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/bits"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nut60/nut60/cashu"
	"github.com/nut60/nut60/cashu/nuts/nut01"
	"github.com/nut60/nut60/cashu/nuts/nut02"
	"github.com/nut60/nut60/cashu/nuts/nut03"
	"github.com/nut60/nut60/cashu/nuts/nut04"
	"github.com/nut60/nut60/cashu/nuts/nut05"
	"github.com/nut60/nut60/cashu/nuts/nut07"
	"github.com/nut60/nut60/crypto"
)

// testMint is an in-process mint good enough for wallet flows: it
// keeps one keyset, signs outputs and refuses reused inputs.
type testMint struct {
	mu        sync.Mutex
	keys      map[uint64]*secp256k1.PrivateKey
	keysetId  string
	feePpk    uint
	spent     map[string]bool
	issued    map[string]bool
	mintCalls int
	server    *httptest.Server
}

func newTestMint(feePpk uint) *testMint {
	tm := &testMint{
		keys:   make(map[uint64]*secp256k1.PrivateKey),
		feePpk: feePpk,
		spent:  make(map[string]bool),
		issued: make(map[string]bool),
	}
	keysMap := make(nut01.KeysMap)
	for i := 0; i < 16; i++ {
		amount := uint64(1) << i
		seed := sha256.Sum256([]byte("testmint-" + strconv.Itoa(i)))
		privkey := secp256k1.PrivKeyFromBytes(seed[:])
		tm.keys[amount] = privkey
		keysMap[amount] = hex.EncodeToString(privkey.PubKey().SerializeCompressed())
	}
	tm.keysetId = crypto.DeriveKeysetId(keysMap)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/keysets", tm.handleKeysets)
	mux.HandleFunc("GET /v1/keys/", tm.handleKeys)
	mux.HandleFunc("POST /v1/mint/quote/bolt11", tm.handleMintQuote)
	mux.HandleFunc("GET /v1/mint/quote/bolt11/", tm.handleMintQuoteState)
	mux.HandleFunc("POST /v1/mint/bolt11", tm.handleMint)
	mux.HandleFunc("POST /v1/melt/quote/bolt11", tm.handleMeltQuote)
	mux.HandleFunc("POST /v1/melt/bolt11", tm.handleMelt)
	mux.HandleFunc("POST /v1/swap", tm.handleSwap)
	mux.HandleFunc("POST /v1/checkstate", tm.handleCheckState)
	tm.server = httptest.NewServer(mux)
	return tm
}

func (tm *testMint) url() string { return tm.server.URL }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (tm *testMint) handleKeysets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, nut02.GetKeysetsResponse{Keysets: []nut02.Keyset{
		{Id: tm.keysetId, Unit: "sat", Active: true, InputFeePpk: tm.feePpk},
	}})
}

func (tm *testMint) handleKeys(w http.ResponseWriter, r *http.Request) {
	keysMap := make(nut01.KeysMap)
	for amount, privkey := range tm.keys {
		keysMap[amount] = hex.EncodeToString(privkey.PubKey().SerializeCompressed())
	}
	writeJSON(w, nut01.GetKeysResponse{Keysets: []nut01.Keyset{
		{Id: tm.keysetId, Unit: "sat", Keys: keysMap},
	}})
}

func (tm *testMint) handleMintQuote(w http.ResponseWriter, r *http.Request) {
	var req nut04.PostMintQuoteBolt11Request
	json.NewDecoder(r.Body).Decode(&req)
	quote := nut04.PostMintQuoteBolt11Response{
		Quote:   "quote-" + strconv.FormatUint(req.Amount, 10),
		Request: "lnbc-fake-invoice",
		Amount:  req.Amount,
		Unit:    req.Unit,
		State:   nut04.Unpaid,
		Expiry:  uint64(time.Now().Add(time.Hour).Unix()),
	}
	writeJSON(w, &quote)
}

func (tm *testMint) handleMintQuoteState(w http.ResponseWriter, r *http.Request) {
	quoteId := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	amount, _ := strconv.ParseUint(strings.TrimPrefix(quoteId, "quote-"), 10, 64)
	// every quote is considered paid immediately
	state := nut04.Paid
	tm.mu.Lock()
	if tm.issued[quoteId] {
		state = nut04.Issued
	}
	tm.mu.Unlock()
	quote := nut04.PostMintQuoteBolt11Response{
		Quote:   quoteId,
		Request: "lnbc-fake-invoice",
		Amount:  amount,
		Unit:    "sat",
		State:   state,
	}
	writeJSON(w, &quote)
}

func (tm *testMint) sign(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		key, ok := tm.keys[output.Amount]
		if !ok {
			return nil, errors.New("unknown amount")
		}
		B_bytes, err := hex.DecodeString(output.B_)
		if err != nil {
			return nil, err
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, err
		}
		C_ := crypto.SignBlindedMessage(B_, key)
		signatures[i] = cashu.BlindedSignature{
			Amount: output.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     output.Id,
		}
	}
	return signatures, nil
}

func (tm *testMint) handleMint(w http.ResponseWriter, r *http.Request) {
	var req nut04.PostMintBolt11Request
	json.NewDecoder(r.Body).Decode(&req)

	tm.mu.Lock()
	tm.mintCalls++
	tm.issued[req.Quote] = true
	tm.mu.Unlock()

	signatures, err := tm.sign(req.Outputs)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}
	writeJSON(w, nut04.PostMintBolt11Response{Signatures: signatures})
}

const testMeltFeeReserve = 10

func (tm *testMint) handleMeltQuote(w http.ResponseWriter, r *http.Request) {
	var req nut05.PostMeltQuoteBolt11Request
	json.NewDecoder(r.Body).Decode(&req)
	amount, _ := strconv.ParseUint(strings.TrimPrefix(req.Request, "lnbc-fake-melt-"), 10, 64)
	writeJSON(w, &nut05.PostMeltQuoteBolt11Response{
		Quote:      "melt-" + strconv.FormatUint(amount, 10),
		Amount:     amount,
		FeeReserve: testMeltFeeReserve,
		State:      nut05.Unpaid,
		Expiry:     uint64(time.Now().Add(time.Hour).Unix()),
	})
}

func (tm *testMint) handleMelt(w http.ResponseWriter, r *http.Request) {
	var req nut05.PostMeltBolt11Request
	json.NewDecoder(r.Body).Decode(&req)

	tm.mu.Lock()
	for _, proof := range req.Inputs {
		if tm.spent[proof.Secret] {
			tm.mu.Unlock()
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, cashu.BuildCashuError("Token is already spent", cashu.ProofAlreadyUsedErrCode))
			return
		}
	}
	for _, proof := range req.Inputs {
		tm.spent[proof.Secret] = true
	}
	tm.mu.Unlock()

	amount, _ := strconv.ParseUint(strings.TrimPrefix(req.Quote, "melt-"), 10, 64)
	const feePaid = 2
	change := req.Inputs.Amount() - amount - feePaid

	// fill the supplied outputs in order: ordinary outputs keep their
	// amounts, blank outputs take the leftover as powers of two
	var filled cashu.BlindedMessages
	for _, output := range req.Outputs {
		if change == 0 {
			break
		}
		if output.Amount > 1 && output.Amount <= change {
			filled = append(filled, output)
			change -= output.Amount
			continue
		}
		assigned := uint64(1) << (bits.Len64(change) - 1)
		output.Amount = assigned
		filled = append(filled, output)
		change -= assigned
	}

	signatures, err := tm.sign(filled)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}
	writeJSON(w, &nut05.PostMeltQuoteBolt11Response{
		Quote:      req.Quote,
		Amount:     amount,
		FeeReserve: testMeltFeeReserve,
		State:      nut05.Paid,
		Preimage:   "00112233",
		Change:     signatures,
	})
}

func (tm *testMint) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req nut03.PostSwapRequest
	json.NewDecoder(r.Body).Decode(&req)

	tm.mu.Lock()
	for _, proof := range req.Inputs {
		if tm.spent[proof.Secret] {
			tm.mu.Unlock()
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, cashu.BuildCashuError("Token is already spent", cashu.ProofAlreadyUsedErrCode))
			return
		}
	}
	for _, proof := range req.Inputs {
		tm.spent[proof.Secret] = true
	}
	tm.mu.Unlock()

	signatures, err := tm.sign(req.Outputs)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}
	writeJSON(w, nut03.PostSwapResponse{Signatures: signatures})
}

func (tm *testMint) handleCheckState(w http.ResponseWriter, r *http.Request) {
	var req nut07.PostCheckStateRequest
	json.NewDecoder(r.Body).Decode(&req)

	tm.mu.Lock()
	spentYs := make(map[string]bool)
	for secret := range tm.spent {
		if Y, err := ProofY(secret); err == nil {
			spentYs[Y] = true
		}
	}
	tm.mu.Unlock()

	states := make([]nut07.ProofState, len(req.Ys))
	for i, Y := range req.Ys {
		state := nut07.Unspent
		if spentYs[Y] {
			state = nut07.Spent
		}
		states[i] = nut07.ProofState{Y: Y, State: state}
	}
	writeJSON(w, nut07.PostCheckStateResponse{States: states})
}

// testRelay is a tiny in-process relay: it acks and stores every
// published event and replays matching events on request.
type testRelay struct {
	mu     sync.Mutex
	events []nostr.Event
	server *httptest.Server
}

var testUpgrader = websocket.Upgrader{}

func newTestRelay() *testRelay {
	tr := &testRelay{}
	tr.server = httptest.NewServer(http.HandlerFunc(tr.handle))
	return tr
}

func (tr *testRelay) url() string {
	return "ws" + strings.TrimPrefix(tr.server.URL, "http")
}

func (tr *testRelay) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg []json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
			continue
		}
		var label string
		json.Unmarshal(msg[0], &label)

		switch label {
		case "EVENT":
			var event nostr.Event
			if err := json.Unmarshal(msg[1], &event); err != nil {
				continue
			}
			tr.mu.Lock()
			tr.events = append(tr.events, event)
			tr.mu.Unlock()
			reply, _ := json.Marshal([]any{"OK", event.ID, true, ""})
			conn.WriteMessage(websocket.TextMessage, reply)
		case "REQ":
			var subId string
			json.Unmarshal(msg[1], &subId)
			var filters []nostr.Filter
			for _, raw := range msg[2:] {
				var filter nostr.Filter
				if err := json.Unmarshal(raw, &filter); err == nil {
					filters = append(filters, filter)
				}
			}
			tr.mu.Lock()
			stored := make([]nostr.Event, len(tr.events))
			copy(stored, tr.events)
			tr.mu.Unlock()
			for _, event := range stored {
				for _, filter := range filters {
					if filter.Matches(&event) {
						reply, _ := json.Marshal([]any{"EVENT", subId, event})
						conn.WriteMessage(websocket.TextMessage, reply)
						break
					}
				}
			}
			reply, _ := json.Marshal([]any{"EOSE", subId})
			conn.WriteMessage(websocket.TextMessage, reply)
		}
	}
}

func newTestWallet(t *testing.T, tr *testRelay, mintURL string) *Wallet {
	return newTestWalletKey(t, tr, mintURL, nostr.GeneratePrivateKey())
}

func newTestWalletKey(t *testing.T, tr *testRelay, mintURL, privateKey string) *Wallet {
	t.Helper()
	w, err := LoadWallet(context.Background(), Config{
		PrivateKey:       privateKey,
		RelayURLs:        []string{tr.url()},
		MintURLs:         []string{mintURL},
		RateLimitSeconds: 0.001,
	})
	if err != nil {
		t.Fatalf("got error '%v' loading wallet", err)
	}
	return w
}

func TestInputFees(t *testing.T) {
	tests := []struct {
		numProofs int
		feePpk    uint
		expected  uint64
	}{
		{0, 100, 0},
		{3, 100, 1},
		{10, 100, 1},
		{11, 100, 2},
		{5, 0, 0},
		{1, 1000, 1},
	}

	for _, test := range tests {
		proofs := make(cashu.Proofs, test.numProofs)
		if fee := inputFees(proofs, test.feePpk); fee != test.expected {
			t.Errorf("expected '%v' but got '%v' instead for %v proofs at %v ppk\n",
				test.expected, fee, test.numProofs, test.feePpk)
		}
	}
}

func TestSelectProofsToSend(t *testing.T) {
	proofs := cashu.Proofs{
		{Amount: 1, Secret: "s1"},
		{Amount: 2, Secret: "s2"},
		{Amount: 4, Secret: "s4"},
		{Amount: 8, Secret: "s8"},
		{Amount: 16, Secret: "s16"},
	}

	// selection must cover the amount plus the fee of the selection
	selected, err := selectProofsToSend(proofs, 20, 500)
	if err != nil {
		t.Fatalf("got error '%v' selecting proofs", err)
	}
	fee := inputFees(selected, 500)
	if selected.Amount() < 20+fee {
		t.Errorf("selected %v does not cover amount plus fee %v", selected.Amount(), 20+fee)
	}

	if _, err := selectProofsToSend(proofs, 31, 500); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected '%v' but got '%v' instead\n", ErrInsufficientBalance, err)
	}

	// exact balance works with zero fees
	selected, err = selectProofsToSend(proofs, 31, 0)
	if err != nil {
		t.Fatalf("got error '%v' selecting proofs", err)
	}
	if selected.Amount() != 31 {
		t.Errorf("expected '%v' but got '%v' instead\n", 31, selected.Amount())
	}
}

func TestCreateBlindedMessagesOrdering(t *testing.T) {
	splits := []uint64{8, 1, 64, 2, 32}
	blindedMessages, secrets, rs, err := createBlindedMessages(splits, "00deadbeef001122")
	if err != nil {
		t.Fatalf("got error '%v' creating blinded messages", err)
	}

	for i := 1; i < len(blindedMessages); i++ {
		if blindedMessages[i].Amount < blindedMessages[i-1].Amount {
			t.Fatal("blinded messages not in ascending order")
		}
	}

	// secrets and blinding factors stay aligned through sorting
	for i, msg := range blindedMessages {
		B_, _, err := crypto.BlindMessage([]byte(secrets[i]), rs[i].Serialize())
		if err != nil {
			t.Fatalf("got error '%v' reblinding", err)
		}
		if hex.EncodeToString(B_.SerializeCompressed()) != msg.B_ {
			t.Errorf("secret at index %v does not match blinded message", i)
		}
	}
}

func TestConstructProofs(t *testing.T) {
	tm := newTestMint(0)
	defer tm.server.Close()

	splits := []uint64{1, 2, 4}
	blindedMessages, secrets, rs, err := createBlindedMessages(splits, tm.keysetId)
	if err != nil {
		t.Fatalf("got error '%v' creating blinded messages", err)
	}
	signatures, err := tm.sign(blindedMessages)
	if err != nil {
		t.Fatalf("got error '%v' signing", err)
	}

	publicKeys := make(map[uint64]*secp256k1.PublicKey)
	for amount, key := range tm.keys {
		publicKeys[amount] = key.PubKey()
	}
	keyset := &activeKeyset{id: tm.keysetId, unit: cashu.Sat, publicKeys: publicKeys}

	proofs, err := constructProofs(signatures, secrets, rs, keyset)
	if err != nil {
		t.Fatalf("got error '%v' constructing proofs", err)
	}
	if proofs.Amount() != 7 {
		t.Errorf("expected '%v' but got '%v' instead\n", 7, proofs.Amount())
	}
	for _, proof := range proofs {
		C_bytes, _ := hex.DecodeString(proof.C)
		C, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			t.Fatalf("got error '%v' parsing C", err)
		}
		if !crypto.Verify([]byte(proof.Secret), tm.keys[proof.Amount], C) {
			t.Errorf("proof for amount %v does not verify", proof.Amount)
		}
	}
}

func TestMintTokensIdempotent(t *testing.T) {
	tm := newTestMint(0)
	defer tm.server.Close()
	tr := newTestRelay()
	defer tr.server.Close()

	privateKey := nostr.GeneratePrivateKey()
	w := newTestWalletKey(t, tr, tm.url(), privateKey)
	defer w.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	quote, err := w.RequestMint(ctx, 64, tm.url())
	if err != nil {
		t.Fatalf("got error '%v' requesting mint quote", err)
	}

	amount, err := w.MintTokens(ctx, quote.Quote, tm.url())
	if err != nil {
		t.Fatalf("got error '%v' minting tokens", err)
	}
	if amount != 64 {
		t.Errorf("expected '%v' but got '%v' instead\n", 64, amount)
	}

	// minting the issued quote again succeeds without touching the
	// mint or storing anything twice
	amount, err = w.MintTokens(ctx, quote.Quote, tm.url())
	if err != nil {
		t.Fatalf("got error '%v' re-minting quote", err)
	}
	if amount != 64 {
		t.Errorf("expected '%v' but got '%v' instead\n", 64, amount)
	}
	if tm.mintCalls != 1 {
		t.Errorf("expected '%v' mint calls but got '%v' instead\n", 1, tm.mintCalls)
	}

	// a fresh session finds the quote tag on the stored token event
	// and does not mint again either
	restarted := newTestWalletKey(t, tr, tm.url(), privateKey)
	defer restarted.Shutdown()

	amount, err = restarted.MintTokens(ctx, quote.Quote, tm.url())
	if err != nil {
		t.Fatalf("got error '%v' re-minting after restart", err)
	}
	if amount != 64 {
		t.Errorf("expected '%v' but got '%v' instead\n", 64, amount)
	}
	if tm.mintCalls != 1 {
		t.Errorf("expected '%v' mint calls but got '%v' instead\n", 1, tm.mintCalls)
	}

	balance, _, err := restarted.Balance(ctx, false)
	if err != nil {
		t.Fatalf("got error '%v' getting balance", err)
	}
	if balance != 64 {
		t.Errorf("expected '%v' but got '%v' instead\n", 64, balance)
	}

	// the pending-quote sweep treats the issued quote as settled and
	// drops its tracker without counting it as new
	minted, err := restarted.CheckPendingQuotes(ctx)
	if err != nil {
		t.Fatalf("got error '%v' checking pending quotes", err)
	}
	if minted != 0 {
		t.Errorf("expected '%v' but got '%v' instead\n", 0, minted)
	}
	if tm.mintCalls != 1 {
		t.Errorf("expected '%v' mint calls but got '%v' instead\n", 1, tm.mintCalls)
	}

	trackerDeleted := false
	tr.mu.Lock()
	for _, event := range tr.events {
		if event.Kind != nostr.KindDeletion {
			continue
		}
		for _, tag := range event.Tags {
			if len(tag) >= 2 && tag[0] == "k" && tag[1] == strconv.Itoa(KindQuoteTracker) {
				trackerDeleted = true
			}
		}
	}
	tr.mu.Unlock()
	if !trackerDeleted {
		t.Error("quote tracker was not deleted")
	}
}

func TestConfigOverrides(t *testing.T) {
	tr := newTestRelay()
	defer tr.server.Close()

	w, err := LoadWallet(context.Background(), Config{
		PrivateKey:       nostr.GeneratePrivateKey(),
		RelayURLs:        []string{tr.url()},
		CacheTTLSeconds:  42,
		MaxEventBytes:    2000,
		RateLimitSeconds: 0.001,
		AutoInit:         true,
	})
	if err != nil {
		t.Fatalf("got error '%v' loading wallet", err)
	}
	defer w.Shutdown()

	if w.spentCache.ttl != 42*time.Second {
		t.Errorf("expected '%v' but got '%v' instead\n", 42*time.Second, w.spentCache.ttl)
	}
	if w.signer.maxEventBytes != 2000 {
		t.Errorf("expected '%v' but got '%v' instead\n", 2000, w.signer.maxEventBytes)
	}
}

func TestMeltWithChange(t *testing.T) {
	tm := newTestMint(0)
	defer tm.server.Close()
	tr := newTestRelay()
	defer tr.server.Close()

	w := newTestWallet(t, tr, tm.url())
	defer w.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	quote, err := w.RequestMint(ctx, 1024, tm.url())
	if err != nil {
		t.Fatalf("got error '%v' requesting mint quote", err)
	}
	if _, err := w.MintTokens(ctx, quote.Quote, tm.url()); err != nil {
		t.Fatalf("got error '%v' minting tokens", err)
	}

	meltRes, err := w.Melt(ctx, "lnbc-fake-melt-100", tm.url())
	if err != nil {
		t.Fatalf("got error '%v' melting", err)
	}
	if meltRes.State != nut05.Paid {
		t.Fatalf("expected '%v' but got '%v' instead\n", nut05.Paid, meltRes.State)
	}

	// the single 1024 proof covered amount 100 plus lightning fee 2,
	// the rest comes back as ordinary and blank change
	balance, _, err := w.Balance(ctx, false)
	if err != nil {
		t.Fatalf("got error '%v' getting balance", err)
	}
	if balance != 922 {
		t.Errorf("expected '%v' but got '%v' instead\n", 922, balance)
	}
}

func TestSpentEventRetired(t *testing.T) {
	tm := newTestMint(0)
	defer tm.server.Close()
	tr := newTestRelay()
	defer tr.server.Close()

	w := newTestWallet(t, tr, tm.url())
	defer w.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	quote, err := w.RequestMint(ctx, 64, tm.url())
	if err != nil {
		t.Fatalf("got error '%v' requesting mint quote", err)
	}
	if _, err := w.MintTokens(ctx, quote.Quote, tm.url()); err != nil {
		t.Fatalf("got error '%v' minting tokens", err)
	}

	// the proofs get spent behind the wallet's back
	state, err := w.FetchState(ctx, false)
	if err != nil {
		t.Fatalf("got error '%v' fetching state", err)
	}
	tm.mu.Lock()
	for _, proof := range state.Proofs() {
		tm.spent[proof.Secret] = true
	}
	tm.mu.Unlock()

	// a checked reconstruction drops them and supersedes the event
	balance, _, err := w.Balance(ctx, true)
	if err != nil {
		t.Fatalf("got error '%v' getting checked balance", err)
	}
	if balance != 0 {
		t.Errorf("expected '%v' but got '%v' instead\n", 0, balance)
	}

	// even without checking, the retired event no longer counts
	balance, _, err = w.Balance(ctx, false)
	if err != nil {
		t.Fatalf("got error '%v' getting balance", err)
	}
	if balance != 0 {
		t.Errorf("expected '%v' but got '%v' instead\n", 0, balance)
	}
}

func TestSendAndRollover(t *testing.T) {
	tm := newTestMint(0)
	defer tm.server.Close()
	tr := newTestRelay()
	defer tr.server.Close()

	w := newTestWallet(t, tr, tm.url())
	defer w.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	quote, err := w.RequestMint(ctx, 64, tm.url())
	if err != nil {
		t.Fatalf("got error '%v' requesting mint quote", err)
	}
	if _, err := w.MintTokens(ctx, quote.Quote, tm.url()); err != nil {
		t.Fatalf("got error '%v' minting tokens", err)
	}

	tokenStr, err := w.Send(ctx, 21, tm.url())
	if err != nil {
		t.Fatalf("got error '%v' sending", err)
	}

	token, err := cashu.DecodeToken(tokenStr)
	if err != nil {
		t.Fatalf("got error '%v' decoding sent token", err)
	}
	if token.Amount() != 21 {
		t.Errorf("expected '%v' but got '%v' instead\n", 21, token.Amount())
	}
	if token.Mint() != tm.url() {
		t.Errorf("expected '%v' but got '%v' instead\n", tm.url(), token.Mint())
	}

	// the change rolled over into a new event, the old one is gone
	balance, _, err := w.Balance(ctx, false)
	if err != nil {
		t.Fatalf("got error '%v' getting balance", err)
	}
	if balance != 43 {
		t.Errorf("expected '%v' but got '%v' instead\n", 43, balance)
	}
}

func TestReceive(t *testing.T) {
	tm := newTestMint(0)
	defer tm.server.Close()
	tr := newTestRelay()
	defer tr.server.Close()

	sender := newTestWallet(t, tr, tm.url())
	defer sender.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	quote, err := sender.RequestMint(ctx, 32, tm.url())
	if err != nil {
		t.Fatalf("got error '%v' requesting mint quote", err)
	}
	if _, err := sender.MintTokens(ctx, quote.Quote, tm.url()); err != nil {
		t.Fatalf("got error '%v' minting tokens", err)
	}
	tokenStr, err := sender.Send(ctx, 16, tm.url())
	if err != nil {
		t.Fatalf("got error '%v' sending", err)
	}

	receiverRelay := newTestRelay()
	defer receiverRelay.server.Close()
	receiver := newTestWallet(t, receiverRelay, tm.url())
	defer receiver.Shutdown()

	amount, err := receiver.Receive(ctx, tokenStr, false)
	if err != nil {
		t.Fatalf("got error '%v' receiving token", err)
	}
	if amount != 16 {
		t.Errorf("expected '%v' but got '%v' instead\n", 16, amount)
	}

	// the sender can no longer double spend the token
	if _, err := receiver.Receive(ctx, tokenStr, false); err == nil {
		t.Fatal("expected error receiving the same token twice")
	}

	balance, _, err := receiver.Balance(ctx, true)
	if err != nil {
		t.Fatalf("got error '%v' getting balance", err)
	}
	if balance != 16 {
		t.Errorf("expected '%v' but got '%v' instead\n", 16, balance)
	}
}

func TestSendWithFees(t *testing.T) {
	tm := newTestMint(500)
	defer tm.server.Close()
	tr := newTestRelay()
	defer tr.server.Close()

	w := newTestWallet(t, tr, tm.url())
	defer w.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	quote, err := w.RequestMint(ctx, 64, tm.url())
	if err != nil {
		t.Fatalf("got error '%v' requesting mint quote", err)
	}
	if _, err := w.MintTokens(ctx, quote.Quote, tm.url()); err != nil {
		t.Fatalf("got error '%v' minting tokens", err)
	}

	tokenStr, err := w.Send(ctx, 10, tm.url())
	if err != nil {
		t.Fatalf("got error '%v' sending with fees", err)
	}
	token, err := cashu.DecodeToken(tokenStr)
	if err != nil {
		t.Fatalf("got error '%v' decoding sent token", err)
	}
	if token.Amount() != 10 {
		t.Errorf("expected '%v' but got '%v' instead\n", 10, token.Amount())
	}

	// balance dropped by the sent amount plus the swap fee
	balance, _, err := w.Balance(ctx, false)
	if err != nil {
		t.Fatalf("got error '%v' getting balance", err)
	}
	if balance >= 54 {
		t.Errorf("expected balance below '%v' but got '%v' instead\n", 54, balance)
	}
}
