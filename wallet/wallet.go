// Package wallet implements a stateless Cashu wallet whose proofs
// live encrypted on nostr relays. Every operation reconstructs its
// view of the wallet from relay events, talks to the mints, and
// publishes the resulting event delta back to the relays.
package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nbd-wtf/go-nostr"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/nut60/nut60/cashu"
	"github.com/nut60/nut60/cashu/nuts/nut03"
	"github.com/nut60/nut60/cashu/nuts/nut04"
	"github.com/nut60/nut60/cashu/nuts/nut05"
	"github.com/nut60/nut60/cashu/nuts/nut07"
	"github.com/nut60/nut60/crypto"
	"github.com/nut60/nut60/relay"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrMintNotTrusted      = errors.New("mint not in trusted mint list")
	ErrQuoteNotPaid        = errors.New("mint quote has not been paid")
	ErrMeltFailed          = errors.New("lightning payment failed")
	ErrNoMints             = errors.New("wallet has no mints configured")
)

// CrossMintPartialError reports a cross-mint transfer where the source
// melt succeeded but the target mint did not issue tokens yet. The
// quote can be retried with MintTokens.
type CrossMintPartialError struct {
	QuoteId string
	MintURL string
	Err     error
}

func (e *CrossMintPartialError) Error() string {
	return fmt.Sprintf("transfer paid but minting at %s failed (quote %s): %v", e.MintURL, e.QuoteId, e.Err)
}

func (e *CrossMintPartialError) Unwrap() error { return e.Err }

type Config struct {
	// hex, nsec or bip39 mnemonic
	PrivateKey string
	RelayURLs  []string
	MintURLs   []string
	Unit       string

	// seconds before cached proof-state checks expire, 0 for the
	// 5 minute default
	CacheTTLSeconds int
	// token events are split above this many bytes, 0 for the
	// 60000 byte default
	MaxEventBytes int
	// minimum spacing between requests to a single relay, 0 for the
	// 1 second default
	RateLimitSeconds float64
	// fetch the wallet state once on construction
	AutoInit bool
}

// Wallet is the proof lifecycle engine. Operations are serialized by
// a single mutex since each one reads relay state, spends against it
// and writes it back.
type Wallet struct {
	mu sync.Mutex

	signer       *Signer
	pool         *relay.Pool
	unit         cashu.Unit
	trustedMints []string

	mintsMu sync.Mutex
	mints   map[string]*mint

	spentCache *spentCache
	// quote id -> minted amount for quotes issued in this session
	mintedQuotes map[string]uint64
}

// LoadWallet builds a wallet from the config. When no relays are
// configured the kind 10019 recommendations of the key are looked up
// on the default discovery relays.
func LoadWallet(ctx context.Context, config Config) (*Wallet, error) {
	privateKeyHex, err := ParsePrivateKey(config.PrivateKey)
	if err != nil {
		return nil, err
	}
	signer, err := NewSigner(privateKeyHex)
	if err != nil {
		return nil, err
	}

	unit := cashu.Sat
	if config.Unit != "" {
		unit, err = cashu.ParseUnit(config.Unit)
		if err != nil {
			return nil, err
		}
	}

	signer.maxEventBytes = config.MaxEventBytes

	relayURLs := config.RelayURLs
	discovered := false
	if len(relayURLs) == 0 {
		discoveryPool := relay.NewPool(DefaultDiscoveryRelays)
		defer discoveryPool.Close()
		relayURLs, err = discoveryPool.DiscoverRelays(ctx, signer.PublicKey())
		if err != nil || len(relayURLs) == 0 {
			return nil, fmt.Errorf("no relays configured and none discovered: %v", err)
		}
		discovered = true
		slog.Info("discovered relays from recommendations", "count", len(relayURLs))
	}

	pool := relay.NewPool(relayURLs)
	if config.RateLimitSeconds > 0 {
		pool.SetRequestInterval(time.Duration(config.RateLimitSeconds * float64(time.Second)))
	}

	w := &Wallet{
		signer:       signer,
		pool:         pool,
		unit:         unit,
		trustedMints: config.MintURLs,
		mints:        make(map[string]*mint),
		spentCache:   newSpentCache(time.Duration(config.CacheTTLSeconds) * time.Second),
		mintedQuotes: make(map[string]uint64),
	}

	// published recommendations can widen a configured relay set
	if !discovered {
		if urls, err := pool.DiscoverRelays(ctx, signer.PublicKey()); err == nil && len(urls) > 0 {
			for _, url := range urls {
				pool.AddRelay(url)
			}
			slog.Debug("added recommended relays", "count", len(urls))
		}
	}

	if config.AutoInit {
		if _, err := w.FetchState(ctx, false); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// DefaultDiscoveryRelays are queried for kind 10019 relay
// recommendations when the wallet has no relays configured.
var DefaultDiscoveryRelays = []string{
	"wss://relay.damus.io",
	"wss://relay.nostr.band",
	"wss://relay.primal.net",
}

func (w *Wallet) PublicKey() string {
	return w.signer.PublicKey()
}

func (w *Wallet) Unit() cashu.Unit {
	return w.unit
}

func (w *Wallet) Shutdown() {
	w.pool.Close()
}

// Initialize publishes the wallet metadata and relay recommendation
// events for a fresh wallet. Existing metadata is preserved and
// merged with the configured mints.
func (w *Wallet) Initialize(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	state, err := w.FetchState(ctx, false)
	if err != nil {
		return err
	}

	mints := mergeMints(state.Mints, w.trustedMints)
	if len(mints) == 0 {
		return ErrNoMints
	}

	walletPrivkey := state.WalletPrivkey
	if walletPrivkey == "" {
		key, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return err
		}
		walletPrivkey = hex.EncodeToString(key.Serialize())
	}

	metadataEvent, err := w.signer.NewWalletMetadataEvent(mints, walletPrivkey)
	if err != nil {
		return err
	}
	if err := w.pool.Publish(ctx, metadataEvent); err != nil {
		return fmt.Errorf("error publishing wallet event: %w", err)
	}

	tags := nostr.Tags{}
	for _, r := range w.pool.Relays() {
		tags = append(tags, nostr.Tag{"relay", r.URL})
	}
	recommendationsEvent, err := w.signer.NewEvent(relay.KindRelayRecommendations, tags, "")
	if err != nil {
		return err
	}
	if err := w.pool.Publish(ctx, recommendationsEvent); err != nil {
		slog.Warn("could not publish relay recommendations", "error", err)
	}
	return nil
}

func mergeMints(existing, configured []string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, url := range append(append([]string{}, existing...), configured...) {
		if url != "" && !seen[url] {
			seen[url] = true
			merged = append(merged, url)
		}
	}
	return merged
}

// Balance reconstructs the wallet state and returns the total unspent
// amount.
func (w *Wallet) Balance(ctx context.Context, checkSpent bool) (uint64, map[string]uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	state, err := w.FetchState(ctx, checkSpent)
	if err != nil {
		return 0, nil, err
	}
	balances := make(map[string]uint64)
	for mintURL, proofs := range state.ByMint {
		balances[mintURL] = proofs.Amount()
	}
	return state.Balance(), balances, nil
}

// RequestMint requests a bolt11 mint quote and tracks it with a kind
// 7374 event so an interrupted flow can be resumed later.
func (w *Wallet) RequestMint(ctx context.Context, amount uint64, mintURL string) (*nut04.PostMintQuoteBolt11Response, error) {
	m, err := w.getMint(ctx, mintURL)
	if err != nil {
		return nil, err
	}

	quote, err := m.client.PostMintQuoteBolt11(ctx, nut04.PostMintQuoteBolt11Request{
		Amount: amount,
		Unit:   w.unit.String(),
	})
	if err != nil {
		return nil, err
	}

	expiry := time.Unix(int64(quote.Expiry), 0)
	if quote.Expiry == 0 {
		expiry = time.Now().Add(14 * 24 * time.Hour)
	}
	trackerEvent, err := w.signer.NewQuoteTrackerEvent(quote.Quote, mintURL, expiry)
	if err == nil {
		if err := w.pool.Publish(ctx, trackerEvent); err != nil {
			slog.Warn("could not publish quote tracker", "quote", quote.Quote, "error", err)
		}
	}
	return quote, nil
}

// MintTokens mints tokens for a paid quote and stores them on the
// relays. Minting a quote that was already issued, in this session or
// an earlier one, is an idempotent success returning the quote amount.
func (w *Wallet) MintTokens(ctx context.Context, quoteId, mintURL string) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	amount, _, err := w.mintTokens(ctx, quoteId, mintURL)
	return amount, err
}

// mintTokens reports whether the returned amount was newly minted or
// the quote had been issued before.
func (w *Wallet) mintTokens(ctx context.Context, quoteId, mintURL string) (uint64, bool, error) {
	if amount, ok := w.mintedQuotes[quoteId]; ok {
		return amount, false, nil
	}

	m, err := w.getMint(ctx, mintURL)
	if err != nil {
		return 0, false, err
	}

	quote, err := m.client.GetMintQuoteState(ctx, quoteId)
	if err != nil {
		return 0, false, err
	}

	amount := quote.Amount
	if amount == 0 && quote.Request != "" {
		// older mints omit the amount, fall back to the invoice
		invoice, err := decodepay.Decodepay(quote.Request)
		if err != nil {
			return 0, false, fmt.Errorf("error decoding quote invoice: %v", err)
		}
		amount = cashu.MsatToSat(uint64(invoice.MSatoshi))
	}

	switch quote.State {
	case nut04.Issued:
		// issued by an earlier session: the token event tagged with
		// the quote id proves the proofs were stored
		state, err := w.FetchState(ctx, false)
		if err != nil {
			return 0, false, err
		}
		if !state.MintedQuotes[quoteId] {
			return 0, false, fmt.Errorf("quote %s issued but its proofs are not stored", quoteId)
		}
		w.mintedQuotes[quoteId] = amount
		return amount, false, nil
	case nut04.Unpaid:
		return 0, false, ErrQuoteNotPaid
	}

	if amount == 0 {
		return 0, false, errors.New("could not determine quote amount")
	}

	blindedMessages, secrets, rs, err := createBlindedMessages(cashu.AmountSplit(amount), m.keyset.id)
	if err != nil {
		return 0, false, err
	}

	mintRes, err := m.client.PostMintBolt11(ctx, nut04.PostMintBolt11Request{
		Quote:   quoteId,
		Outputs: blindedMessages,
	})
	if err != nil {
		return 0, false, err
	}

	proofs, err := constructProofs(mintRes.Signatures, secrets, rs, m.keyset)
	if err != nil {
		return 0, false, err
	}
	w.mintedQuotes[quoteId] = proofs.Amount()

	if err := w.storeNewProofs(ctx, mintURL, proofs, nil, nil, "in", proofs.Amount(), quoteId); err != nil {
		return 0, false, err
	}
	return proofs.Amount(), true, nil
}

// CheckPendingQuotes looks up tracked kind 7374 quotes and mints any
// that were paid in the meantime. It returns the total newly minted.
func (w *Wallet) CheckPendingQuotes(ctx context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	events, err := w.pool.Fetch(ctx, []nostr.Filter{{
		Authors: []string{w.signer.PublicKey()},
		Kinds:   []int{KindQuoteTracker},
	}})
	if err != nil {
		return 0, err
	}

	var minted uint64
	for _, event := range events {
		quoteId, mintURL, err := w.signer.ParseQuoteTrackerEvent(event)
		if err != nil || mintURL == "" {
			continue
		}
		amount, newlyMinted, err := w.mintTokens(ctx, quoteId, mintURL)
		if err != nil {
			// not paid yet or mint unreachable, the tracker stays
			continue
		}
		if newlyMinted {
			minted += amount
		}

		deletion, err := w.signer.NewDeletionEvent([]string{event.ID}, KindQuoteTracker)
		if err == nil {
			w.pool.Publish(ctx, deletion)
		}
	}
	return minted, nil
}

// Send spends the given amount and returns a serialized cashu token.
// The unselected remainder of the touched token events is rolled into
// a new event before the old ones are deleted.
func (w *Wallet) Send(ctx context.Context, amount uint64, mintURL string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	state, err := w.FetchState(ctx, true)
	if err != nil {
		return "", err
	}

	if mintURL == "" {
		mintURL = pickMintWithBalance(state, amount)
		if mintURL == "" {
			return "", ErrInsufficientBalance
		}
	}

	m, err := w.getMint(ctx, mintURL)
	if err != nil {
		return "", err
	}

	selected, err := selectProofsToSend(state.ByMint[mintURL], amount, m.keyset.inputFeePpk)
	if err != nil {
		return "", err
	}
	fee := inputFees(selected, m.keyset.inputFeePpk)
	changeAmount := selected.Amount() - amount - fee

	// one output list for the swap, send and change together, in
	// ascending order so amounts reveal nothing about the split
	sendSplit := cashu.AmountSplit(amount)
	changeSplit := cashu.AmountSplit(changeAmount)
	blindedMessages, secrets, rs, err := createBlindedMessages(append(sendSplit, changeSplit...), m.keyset.id)
	if err != nil {
		return "", err
	}

	sendSecrets := make(map[string]bool)
	remaining := make(map[uint64]int)
	for _, split := range sendSplit {
		remaining[split]++
	}
	for i, msg := range blindedMessages {
		if remaining[msg.Amount] > 0 {
			remaining[msg.Amount]--
			sendSecrets[secrets[i]] = true
		}
	}

	swapRes, err := m.client.PostSwap(ctx, nut03.PostSwapRequest{Inputs: selected, Outputs: blindedMessages})
	if err != nil {
		w.markProofsSpent(selected, err)
		return "", err
	}

	proofs, err := constructProofs(swapRes.Signatures, secrets, rs, m.keyset)
	if err != nil {
		return "", err
	}

	var sendProofs, changeProofs cashu.Proofs
	for _, proof := range proofs {
		if sendSecrets[proof.Secret] {
			sendProofs = append(sendProofs, proof)
		} else {
			changeProofs = append(changeProofs, proof)
		}
	}

	if err := w.storeNewProofs(ctx, mintURL, changeProofs, state, selected, "out", amount+fee, ""); err != nil {
		return "", err
	}

	token, err := cashu.NewTokenV4(sendProofs, mintURL, w.unit)
	if err != nil {
		return "", err
	}
	return token.Serialize()
}

// Receive redeems a cashu token into the wallet. The proofs are
// always swapped at the issuing mint so the sender can no longer
// spend them. With swapToTrusted set, tokens from unknown mints are
// moved to the wallet's first trusted mint over lightning.
func (w *Wallet) Receive(ctx context.Context, tokenStr string, swapToTrusted bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	token, err := cashu.DecodeToken(tokenStr)
	if err != nil {
		return 0, err
	}
	mintURL := token.Mint()

	state, err := w.FetchState(ctx, false)
	if err != nil {
		return 0, err
	}
	trusted := mergeMints(state.Mints, w.trustedMints)

	m, err := w.getMint(ctx, mintURL)
	if err != nil {
		return 0, err
	}

	inputs := token.Proofs()
	fee := inputFees(inputs, m.keyset.inputFeePpk)
	if inputs.Amount() <= fee {
		return 0, ErrInsufficientBalance
	}
	amount := inputs.Amount() - fee

	blindedMessages, secrets, rs, err := createBlindedMessages(cashu.AmountSplit(amount), m.keyset.id)
	if err != nil {
		return 0, err
	}
	swapRes, err := m.client.PostSwap(ctx, nut03.PostSwapRequest{Inputs: inputs, Outputs: blindedMessages})
	if err != nil {
		return 0, err
	}
	proofs, err := constructProofs(swapRes.Signatures, secrets, rs, m.keyset)
	if err != nil {
		return 0, err
	}

	if err := w.storeNewProofs(ctx, mintURL, proofs, nil, nil, "in", proofs.Amount(), ""); err != nil {
		return 0, err
	}

	isTrusted := false
	for _, url := range trusted {
		if url == mintURL {
			isTrusted = true
		}
	}
	if !isTrusted && swapToTrusted && len(trusted) > 0 {
		return w.transferToMint(ctx, proofs.Amount(), mintURL, trusted[0])
	}
	if !isTrusted {
		slog.Warn("received token from untrusted mint", "mint", mintURL)
	}
	return proofs.Amount(), nil
}

// Melt pays a bolt11 invoice with proofs from the given mint.
func (w *Wallet) Melt(ctx context.Context, invoice, mintURL string) (*nut05.PostMeltQuoteBolt11Response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.melt(ctx, invoice, mintURL)
}

func (w *Wallet) melt(ctx context.Context, invoice, mintURL string) (*nut05.PostMeltQuoteBolt11Response, error) {
	state, err := w.FetchState(ctx, true)
	if err != nil {
		return nil, err
	}

	m, err := w.getMint(ctx, mintURL)
	if err != nil {
		return nil, err
	}

	meltQuote, err := m.client.PostMeltQuoteBolt11(ctx, nut05.PostMeltQuoteBolt11Request{
		Request: invoice,
		Unit:    w.unit.String(),
	})
	if err != nil {
		return nil, err
	}

	target := meltQuote.Amount + meltQuote.FeeReserve
	selected, err := selectProofsToSend(state.ByMint[mintURL], target, m.keyset.inputFeePpk)
	if err != nil {
		return nil, err
	}
	fee := inputFees(selected, m.keyset.inputFeePpk)

	// ordinary change for the overselected inputs, then the NUT-08
	// blanks that get the overpaid fee reserve back. The mint fills
	// the supplied outputs in order.
	changeMessages, secrets, rs, err := createBlindedMessages(
		cashu.AmountSplit(selected.Amount()-target-fee), m.keyset.id)
	if err != nil {
		return nil, err
	}
	blankMessages, blankSecrets, blankRs, err := createBlankOutputs(meltQuote.FeeReserve, m.keyset.id)
	if err != nil {
		return nil, err
	}
	outputs := append(changeMessages, blankMessages...)
	secrets = append(secrets, blankSecrets...)
	rs = append(rs, blankRs...)

	meltRes, err := m.client.PostMeltBolt11(ctx, nut05.PostMeltBolt11Request{
		Quote:   meltQuote.Quote,
		Inputs:  selected,
		Outputs: outputs,
	})
	if err != nil {
		w.markProofsSpent(selected, err)
		return nil, err
	}

	switch meltRes.State {
	case nut05.Paid:
		var changeProofs cashu.Proofs
		if len(meltRes.Change) > 0 {
			changeProofs, err = constructProofs(meltRes.Change, secrets, rs, m.keyset)
			if err != nil {
				return nil, err
			}
		}
		spentAmount := selected.Amount() - changeProofs.Amount()
		if err := w.storeNewProofs(ctx, mintURL, changeProofs, state, selected, "out", spentAmount, ""); err != nil {
			return meltRes, err
		}
		return meltRes, nil
	case nut05.Pending:
		// proofs stay reserved until the payment settles
		slog.Info("lightning payment pending", "quote", meltQuote.Quote)
		return meltRes, nil
	default:
		return meltRes, ErrMeltFailed
	}
}

// TransferToMint moves funds between two mints by minting at the
// target and paying the mint invoice by melting at the source.
func (w *Wallet) TransferToMint(ctx context.Context, amount uint64, fromMint, toMint string) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transferToMint(ctx, amount, fromMint, toMint)
}

func (w *Wallet) transferToMint(ctx context.Context, amount uint64, fromMint, toMint string) (uint64, error) {
	target, err := w.getMint(ctx, toMint)
	if err != nil {
		return 0, err
	}
	quote, err := target.client.PostMintQuoteBolt11(ctx, nut04.PostMintQuoteBolt11Request{
		Amount: amount,
		Unit:   w.unit.String(),
	})
	if err != nil {
		return 0, err
	}

	meltRes, err := w.melt(ctx, quote.Request, fromMint)
	if err != nil {
		return 0, err
	}
	if meltRes.State != nut05.Paid {
		return 0, ErrMeltFailed
	}

	minted, _, err := w.mintTokens(ctx, quote.Quote, toMint)
	if err != nil {
		// funds left the source mint but were not issued yet
		return 0, &CrossMintPartialError{QuoteId: quote.Quote, MintURL: toMint, Err: err}
	}
	return minted, nil
}

// Consolidate swaps all proofs of a mint into a fresh optimal
// denomination set held by a single token event.
func (w *Wallet) Consolidate(ctx context.Context, mintURL string) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	state, err := w.FetchState(ctx, true)
	if err != nil {
		return 0, err
	}
	proofs := state.ByMint[mintURL]
	if len(proofs) == 0 {
		return 0, nil
	}

	m, err := w.getMint(ctx, mintURL)
	if err != nil {
		return 0, err
	}
	fee := inputFees(proofs, m.keyset.inputFeePpk)
	if proofs.Amount() <= fee {
		return 0, ErrInsufficientBalance
	}
	amount := proofs.Amount() - fee

	blindedMessages, secrets, rs, err := createBlindedMessages(cashu.AmountSplit(amount), m.keyset.id)
	if err != nil {
		return 0, err
	}
	swapRes, err := m.client.PostSwap(ctx, nut03.PostSwapRequest{Inputs: proofs, Outputs: blindedMessages})
	if err != nil {
		w.markProofsSpent(proofs, err)
		return 0, err
	}
	newProofs, err := constructProofs(swapRes.Signatures, secrets, rs, m.keyset)
	if err != nil {
		return 0, err
	}

	if err := w.storeNewProofs(ctx, mintURL, newProofs, state, proofs, "", 0, ""); err != nil {
		return 0, err
	}
	return newProofs.Amount(), nil
}

// History returns the decrypted spending history, newest first.
func (w *Wallet) History(ctx context.Context) ([]*HistoryEntry, error) {
	events, err := w.pool.Fetch(ctx, []nostr.Filter{{
		Authors: []string{w.signer.PublicKey()},
		Kinds:   []int{KindSpendingHistory},
	}})
	if err != nil {
		return nil, err
	}

	var entries []*HistoryEntry
	for _, event := range events {
		entry, err := w.signer.ParseHistoryEvent(event)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sortHistoryDescending(entries)
	return entries, nil
}

func sortHistoryDescending(entries []*HistoryEntry) {
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].CreatedAt.After(entries[i].CreatedAt) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
}

// storeNewProofs publishes the event delta of an operation: the new
// token event carrying added proofs plus the live remainder of every
// event touched by spent proofs, then the deletion of the old events.
// New events always hit the relays before old ones are deleted. A
// non-empty quote id is tagged on the new token event.
func (w *Wallet) storeNewProofs(ctx context.Context, mintURL string, added cashu.Proofs,
	state *WalletState, spent cashu.Proofs, direction string, historyAmount uint64, quote string) error {

	spentSet := make(map[string]bool)
	for _, proof := range spent {
		spentSet[proof.Fingerprint()] = true
	}

	// events touched by the spent proofs roll their remainder over
	var delIds []string
	var keep cashu.Proofs
	if state != nil {
		affected := make(map[string]bool)
		for _, proof := range spent {
			if eventId, ok := state.EventOf[proof.Fingerprint()]; ok {
				affected[eventId] = true
			}
		}
		for eventId := range affected {
			delIds = append(delIds, eventId)
			for _, proof := range state.Events[eventId].Proofs {
				if !spentSet[proof.Fingerprint()] {
					keep = append(keep, proof)
				}
			}
		}
	}

	newProofs := append(keep, added...)
	var createdIds []string
	if len(newProofs) > 0 || len(delIds) > 0 {
		events, err := w.signer.NewTokenEvents(mintURL, newProofs, delIds, quote)
		if err != nil {
			return err
		}
		for _, event := range events {
			if err := w.pool.Publish(ctx, event); err != nil {
				return fmt.Errorf("error publishing token event: %w", err)
			}
			createdIds = append(createdIds, event.ID)
		}
	}

	if len(delIds) > 0 {
		deletion, err := w.signer.NewDeletionEvent(delIds, KindTokenEvent)
		if err == nil {
			if err := w.pool.Publish(ctx, deletion); err != nil {
				// the del field already supersedes the old events
				slog.Debug("could not publish deletion event", "error", err)
			}
		}
	}

	if direction != "" {
		history, err := w.signer.NewHistoryEvent(direction, historyAmount, createdIds, delIds)
		if err == nil {
			if err := w.pool.Publish(ctx, history); err != nil {
				slog.Debug("could not publish history event", "error", err)
			}
		}
	}
	return nil
}

// markProofsSpent records proofs the mint refused as already spent so
// the next reconstruction drops them without asking again.
func (w *Wallet) markProofsSpent(proofs cashu.Proofs, err error) {
	if !IsTokenAlreadySpent(err) {
		return
	}
	for _, proof := range proofs {
		w.spentCache.put(proof.Fingerprint(), nut07.Spent)
	}
}

func pickMintWithBalance(state *WalletState, amount uint64) string {
	for _, mintURL := range state.Mints {
		if state.ByMint[mintURL].Amount() >= amount {
			return mintURL
		}
	}
	for mintURL, proofs := range state.ByMint {
		if proofs.Amount() >= amount {
			return mintURL
		}
	}
	return ""
}

// createBlindedMessages builds one blinded message per split amount
// with fresh secrets and blinding factors, sorted by ascending amount.
func createBlindedMessages(splits []uint64, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	blindedMessages := make(cashu.BlindedMessages, len(splits))
	secrets := make([]string, len(splits))
	rs := make([]*secp256k1.PrivateKey, len(splits))

	for i, amount := range splits {
		secretBytes, err := cashu.GenerateRandomBytes()
		if err != nil {
			return nil, nil, nil, err
		}
		// the proof secret is the hex string, blinded as utf-8 bytes
		secret := hex.EncodeToString(secretBytes)

		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, nil, err
		}
		B_, r, err := crypto.BlindMessage([]byte(secret), r.Serialize())
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		secrets[i] = secret
		rs[i] = r
	}

	cashu.SortBlindedMessages(blindedMessages, secrets, rs)
	return blindedMessages, secrets, rs, nil
}

// createBlankOutputs builds the NUT-08 blank outputs for a fee
// reserve. The mint assigns the change amounts when signing.
func createBlankOutputs(feeReserve uint64, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	if feeReserve == 0 {
		return nil, nil, nil, nil
	}
	count := int(math.Ceil(math.Log2(float64(feeReserve))))
	if count < 1 {
		count = 1
	}
	splits := make([]uint64, count)
	for i := range splits {
		splits[i] = 1
	}
	return createBlindedMessages(splits, keysetId)
}

// constructProofs unblinds the signatures into proofs. Blank output
// change carries mint-assigned amounts, so the amount of each
// signature picks the mint key to unblind against.
func constructProofs(signatures cashu.BlindedSignatures, secrets []string,
	rs []*secp256k1.PrivateKey, keyset *activeKeyset) (cashu.Proofs, error) {

	if len(signatures) > len(secrets) || len(signatures) > len(rs) {
		return nil, errors.New("mint returned more signatures than outputs")
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			return nil, fmt.Errorf("invalid blinded signature: %v", err)
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid blinded signature: %v", err)
		}

		K, ok := keyset.publicKeys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("mint has no key for amount %v", signature.Amount)
		}

		C := crypto.UnblindSignature(C_, rs[i], K)
		proofs[i] = cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs, nil
}
