package wallet

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nut60/nut60/cashu"
	"github.com/nut60/nut60/cashu/nuts/nut07"
	"github.com/nut60/nut60/crypto"
)

// TokenEventInfo is a live token event and the unspent proofs it
// carries.
type TokenEventInfo struct {
	Id     string
	Mint   string
	Proofs cashu.Proofs
}

// WalletState is an immutable snapshot of the wallet state
// reconstructed from relay events. Operations work against a snapshot
// and publish the delta, they never mutate it.
type WalletState struct {
	// unspent proofs grouped by mint url
	ByMint map[string]cashu.Proofs
	// token event id -> event info
	Events map[string]*TokenEventInfo
	// proof fingerprint -> token event id
	EventOf map[string]string
	// mints listed in the wallet metadata event
	Mints []string
	// P2PK key from the wallet metadata event, if any
	WalletPrivkey string
	// mint quote ids referenced by token events, issued quotes whose
	// proofs are already stored
	MintedQuotes map[string]bool
}

func (state *WalletState) Balance() uint64 {
	var balance uint64
	for _, proofs := range state.ByMint {
		balance += proofs.Amount()
	}
	return balance
}

func (state *WalletState) MintBalance(mintURL string) uint64 {
	return state.ByMint[mintURL].Amount()
}

func (state *WalletState) Proofs() cashu.Proofs {
	var proofs cashu.Proofs
	for _, mintProofs := range state.ByMint {
		proofs = append(proofs, mintProofs...)
	}
	return proofs
}

// spentCache remembers checkstate results so repeated reconstructions
// do not hammer the mint. Definitive states are cached longer than
// transient ones.
type spentCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]spentCacheEntry
}

type spentCacheEntry struct {
	state     nut07.State
	checkedAt time.Time
}

const (
	defaultSpentCacheTTL = 5 * time.Minute
	spentCacheShortTTL   = 30 * time.Second
)

func newSpentCache(ttl time.Duration) *spentCache {
	if ttl <= 0 {
		ttl = defaultSpentCacheTTL
	}
	return &spentCache{ttl: ttl, entries: make(map[string]spentCacheEntry)}
}

func (c *spentCache) get(fingerprint string) (nut07.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fingerprint]
	if !ok {
		return nut07.Unknown, false
	}
	ttl := c.ttl
	if entry.state == nut07.Pending || entry.state == nut07.Unknown {
		ttl = min(spentCacheShortTTL, ttl)
	}
	if time.Since(entry.checkedAt) > ttl {
		delete(c.entries, fingerprint)
		return nut07.Unknown, false
	}
	return entry.state, true
}

func (c *spentCache) put(fingerprint string, state nut07.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = spentCacheEntry{state: state, checkedAt: time.Now()}
}

// ProofY returns the hex Y point for a proof secret as used by
// checkstate.
func ProofY(secret string) (string, error) {
	Y, err := crypto.HashToCurve([]byte(secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(Y.SerializeCompressed()), nil
}

// FetchState reconstructs the wallet state from relay events. With
// checkSpent set, reconstructed proofs are verified against their
// mints and spent ones dropped from the snapshot.
func (w *Wallet) FetchState(ctx context.Context, checkSpent bool) (*WalletState, error) {
	events, err := w.pool.Fetch(ctx, []nostr.Filter{{
		Authors: []string{w.signer.PublicKey()},
		Kinds:   []int{KindWalletMetadata, KindTokenEvent, nostr.KindDeletion},
	}})
	if err != nil {
		return nil, err
	}
	return w.foldState(ctx, events, checkSpent)
}

// foldState folds fetched events into a state snapshot.
func (w *Wallet) foldState(ctx context.Context, events []*nostr.Event, checkSpent bool) (*WalletState, error) {
	state := &WalletState{
		ByMint:       make(map[string]cashu.Proofs),
		Events:       make(map[string]*TokenEventInfo),
		EventOf:      make(map[string]string),
		MintedQuotes: make(map[string]bool),
	}

	// superseded event ids: kind 5 deletions plus the del fields of
	// every readable token event
	deleted := make(map[string]bool)
	var tokenEvents []*nostr.Event
	var metadataEvent *nostr.Event

	for _, event := range events {
		if event.PubKey != w.signer.PublicKey() {
			continue
		}
		switch event.Kind {
		case nostr.KindDeletion:
			for _, tag := range event.Tags {
				if len(tag) >= 2 && tag[0] == "e" {
					deleted[tag[1]] = true
				}
			}
		case KindTokenEvent:
			tokenEvents = append(tokenEvents, event)
			// quote tags survive supersession, the quote stays minted
			// even after its proofs were spent
			if quote := TokenEventQuote(event); quote != "" {
				state.MintedQuotes[quote] = true
			}
		case KindWalletMetadata:
			if metadataEvent == nil || event.CreatedAt > metadataEvent.CreatedAt {
				metadataEvent = event
			}
		}
	}

	if metadataEvent != nil {
		mints, walletPrivkey, err := w.signer.ParseWalletMetadataEvent(metadataEvent)
		if err != nil {
			slog.Warn("skipping unreadable wallet metadata event", "id", metadataEvent.ID, "error", err)
		} else {
			state.Mints = mints
			state.WalletPrivkey = walletPrivkey
		}
	}

	type parsedTokenEvent struct {
		event  *nostr.Event
		mint   string
		proofs cashu.Proofs
	}
	parsed := make([]parsedTokenEvent, 0, len(tokenEvents))
	for _, event := range tokenEvents {
		mint, proofs, del, err := w.signer.ParseTokenEvent(event)
		if err != nil {
			// events written with another key stay out of the state
			slog.Debug("skipping unreadable token event", "id", event.ID, "error", err)
			continue
		}
		for _, id := range del {
			deleted[id] = true
		}
		parsed = append(parsed, parsedTokenEvent{event: event, mint: mint, proofs: proofs})
	}

	// newer events win duplicate proofs: sort by created_at then
	// event id descending so the first sighting of a fingerprint is
	// the authoritative one
	sort.Slice(parsed, func(i, j int) bool {
		if parsed[i].event.CreatedAt != parsed[j].event.CreatedAt {
			return parsed[i].event.CreatedAt > parsed[j].event.CreatedAt
		}
		return parsed[i].event.ID > parsed[j].event.ID
	})

	seen := make(map[string]bool)
	for _, pe := range parsed {
		if deleted[pe.event.ID] {
			continue
		}
		info := &TokenEventInfo{Id: pe.event.ID, Mint: pe.mint}
		for _, proof := range pe.proofs {
			fingerprint := proof.Fingerprint()
			if seen[fingerprint] {
				continue
			}
			seen[fingerprint] = true
			info.Proofs = append(info.Proofs, proof)
			state.EventOf[fingerprint] = pe.event.ID
		}
		if len(info.Proofs) > 0 {
			state.Events[pe.event.ID] = info
			state.ByMint[pe.mint] = append(state.ByMint[pe.mint], info.Proofs...)
		}
	}

	if checkSpent {
		if err := w.dropSpentProofs(ctx, state); err != nil {
			slog.Warn("could not verify proof states, keeping unchecked proofs", "error", err)
		}
	}
	return state, nil
}

// dropSpentProofs batches checkstate per mint and removes proofs the
// mint reports as spent from the snapshot.
func (w *Wallet) dropSpentProofs(ctx context.Context, state *WalletState) error {
	var lastErr error
	for mintURL, proofs := range state.ByMint {
		var toCheck cashu.Proofs
		var Ys []string
		spent := make(map[string]bool)

		for _, proof := range proofs {
			fingerprint := proof.Fingerprint()
			if cachedState, ok := w.spentCache.get(fingerprint); ok {
				if cachedState == nut07.Spent {
					spent[fingerprint] = true
				}
				continue
			}
			Y, err := ProofY(proof.Secret)
			if err != nil {
				continue
			}
			toCheck = append(toCheck, proof)
			Ys = append(Ys, Y)
		}

		if len(toCheck) > 0 {
			m, err := w.getMint(ctx, mintURL)
			if err != nil {
				lastErr = err
				continue
			}
			stateRes, err := m.client.PostCheckState(ctx, nut07.PostCheckStateRequest{Ys: Ys})
			if err != nil {
				lastErr = err
				continue
			}
			for i, proofState := range stateRes.States {
				if i >= len(toCheck) {
					break
				}
				fingerprint := toCheck[i].Fingerprint()
				w.spentCache.put(fingerprint, proofState.State)
				if proofState.State == nut07.Spent {
					spent[fingerprint] = true
				}
			}
		}

		if len(spent) > 0 {
			if emptied := state.pruneSpent(mintURL, spent); len(emptied) > 0 {
				w.retireSpentEvents(ctx, mintURL, emptied)
			}
		}
	}
	return lastErr
}

// retireSpentEvents supersedes token events whose proofs are all
// spent: a token event carrying only the del ids goes out first, then
// a deletion request. Best effort, the snapshot already dropped the
// proofs.
func (w *Wallet) retireSpentEvents(ctx context.Context, mintURL string, eventIds []string) {
	rollover, err := w.signer.NewTokenEvents(mintURL, nil, eventIds, "")
	if err != nil {
		return
	}
	for _, event := range rollover {
		if err := w.pool.Publish(ctx, event); err != nil {
			slog.Debug("could not publish rollover for spent events", "error", err)
			return
		}
	}
	deletion, err := w.signer.NewDeletionEvent(eventIds, KindTokenEvent)
	if err == nil {
		if err := w.pool.Publish(ctx, deletion); err != nil {
			slog.Debug("could not publish deletion for spent events", "error", err)
		}
	}
}

// pruneSpent removes spent proofs from the snapshot and returns the
// ids of events left with no live proofs at all. Events with a live
// remainder keep it so a later rollover can clean them up.
func (state *WalletState) pruneSpent(mintURL string, spent map[string]bool) []string {
	var kept cashu.Proofs
	for _, proof := range state.ByMint[mintURL] {
		if !spent[proof.Fingerprint()] {
			kept = append(kept, proof)
		}
	}
	if len(kept) == 0 {
		delete(state.ByMint, mintURL)
	} else {
		state.ByMint[mintURL] = kept
	}

	var emptied []string
	for fingerprint := range spent {
		eventId := state.EventOf[fingerprint]
		delete(state.EventOf, fingerprint)
		if info, ok := state.Events[eventId]; ok {
			var live cashu.Proofs
			for _, proof := range info.Proofs {
				if !spent[proof.Fingerprint()] {
					live = append(live, proof)
				}
			}
			info.Proofs = live
			if len(live) == 0 {
				delete(state.Events, eventId)
				emptied = append(emptied, eventId)
			}
		}
	}
	return emptied
}
