package wallet

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nut60/nut60/cashu"
	"github.com/nut60/nut60/nip44"
)

// NIP-60 event kinds
const (
	KindWalletMetadata  = 17375
	KindTokenEvent      = 7375
	KindSpendingHistory = 7376
	KindQuoteTracker    = 7374
)

// events larger than this get split across multiple token events
const defaultMaxEventBytes = 60000

var ErrNotOwnEvent = errors.New("event not signed by wallet key")

// Signer holds the nostr identity key and provides signing and
// self-encryption for wallet events. It is the only part of the
// wallet that touches the private key.
type Signer struct {
	privateKey      *secp256k1.PrivateKey
	privateKeyHex   string
	publicKeyHex    string
	conversationKey []byte
	// token-event split threshold, defaultMaxEventBytes when zero
	maxEventBytes int
}

func NewSigner(privateKeyHex string) (*Signer, error) {
	keyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil || len(keyBytes) != 32 {
		return nil, errors.New("invalid private key")
	}
	privateKey := secp256k1.PrivKeyFromBytes(keyBytes)

	publicKeyHex, err := nostr.GetPublicKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	// wallet events are encrypted to ourselves
	conversationKey, err := nip44.ConversationKey(privateKey, publicKeyHex)
	if err != nil {
		return nil, err
	}

	return &Signer{
		privateKey:      privateKey,
		privateKeyHex:   privateKeyHex,
		publicKeyHex:    publicKeyHex,
		conversationKey: conversationKey,
	}, nil
}

func (s *Signer) PublicKey() string {
	return s.publicKeyHex
}

func (s *Signer) Encrypt(plaintext string) (string, error) {
	return nip44.Encrypt(plaintext, s.conversationKey)
}

func (s *Signer) Decrypt(payload string) (string, error) {
	return nip44.Decrypt(payload, s.conversationKey)
}

// NewEvent builds, signs and returns an event authored by the wallet
// key.
func (s *Signer) NewEvent(kind int, tags nostr.Tags, content string) (*nostr.Event, error) {
	event := nostr.Event{
		PubKey:    s.publicKeyHex,
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := event.Sign(s.privateKeyHex); err != nil {
		return nil, err
	}
	return &event, nil
}

// eventProof is the proof representation stored in token events.
type eventProof struct {
	Id     string `json:"id"`
	Amount uint64 `json:"amount"`
	Secret string `json:"secret"`
	C      string `json:"C"`
}

// tokenEventContent is the decrypted content of a kind 7375 event:
// the proofs of one mint, plus the ids of older token events this
// event supersedes.
type tokenEventContent struct {
	Mint   string       `json:"mint"`
	Proofs []eventProof `json:"proofs"`
	Del    []string     `json:"del,omitempty"`
}

// normalizeSecret converts base64-stored secrets to the hex form used
// everywhere else. Anything that is not 32 base64 bytes passes through
// untouched.
func normalizeSecret(secret string) string {
	if _, err := hex.DecodeString(secret); err == nil && len(secret) == 64 {
		return secret
	}
	if decoded, err := base64.StdEncoding.DecodeString(secret); err == nil && len(decoded) == 32 {
		return hex.EncodeToString(decoded)
	}
	return secret
}

// storedSecret converts the wallet's hex secrets to the base64 form
// token events carry on the relays.
func storedSecret(secret string) string {
	if raw, err := hex.DecodeString(secret); err == nil && len(secret) == 64 {
		return base64.StdEncoding.EncodeToString(raw)
	}
	return secret
}

// encryptedSize is the exact content size of an event carrying an
// encrypted plaintext of the given length: version and nonce,
// length-prefixed padded ciphertext and mac, base64 encoded.
func encryptedSize(plaintextLen int) int {
	ciphertext := 2 + nip44.CalcPaddedLen(plaintextLen)
	return base64.StdEncoding.EncodedLen(1 + 32 + ciphertext + 32)
}

// NewTokenEvents encrypts proofs of one mint into signed token
// events, splitting across several events when the encrypted content
// would exceed the relay size limit. The supersession ids and the
// mint-quote tag go on the first event only.
func (s *Signer) NewTokenEvents(mintURL string, proofs cashu.Proofs, del []string, quote string) ([]*nostr.Event, error) {
	if len(proofs) == 0 && len(del) == 0 {
		return nil, errors.New("no proofs to store")
	}
	limit := s.maxEventBytes
	if limit <= 0 {
		limit = defaultMaxEventBytes
	}

	stored := make([]eventProof, len(proofs))
	entrySizes := make([]int, len(proofs))
	for i, proof := range proofs {
		stored[i] = eventProof{
			Id:     proof.Id,
			Amount: proof.Amount,
			Secret: storedSecret(proof.Secret),
			C:      proof.C,
		}
		entry, err := json.Marshal(stored[i])
		if err != nil {
			return nil, err
		}
		entrySizes[i] = len(entry) + 1
	}

	// the envelope with del is the worst case for every chunk
	envelope, err := json.Marshal(tokenEventContent{Mint: mintURL, Del: del})
	if err != nil {
		return nil, err
	}

	var chunks [][]eventProof
	var current []eventProof
	plaintextSize := len(envelope)
	for i, proof := range stored {
		if encryptedSize(plaintextSize+entrySizes[i]) > limit && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			plaintextSize = len(envelope)
		}
		current = append(current, proof)
		plaintextSize += entrySizes[i]
	}
	if len(current) > 0 || len(chunks) == 0 {
		chunks = append(chunks, current)
	}

	events := make([]*nostr.Event, 0, len(chunks))
	for i, chunk := range chunks {
		content := tokenEventContent{
			Mint:   mintURL,
			Proofs: chunk,
		}
		var tags nostr.Tags
		if i == 0 {
			content.Del = del
			if quote != "" {
				tags = nostr.Tags{{"quote", quote}}
			}
		}

		plaintext, err := json.Marshal(content)
		if err != nil {
			return nil, err
		}
		encrypted, err := s.Encrypt(string(plaintext))
		if err != nil {
			return nil, err
		}
		event, err := s.NewEvent(KindTokenEvent, tags, encrypted)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// TokenEventQuote returns the mint-quote id a token event was minted
// from, if it carries one.
func TokenEventQuote(event *nostr.Event) string {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "quote" {
			return tag[1]
		}
	}
	return ""
}

// ParseTokenEvent decrypts a kind 7375 event authored by the wallet
// key and returns the proofs and superseded event ids it carries.
func (s *Signer) ParseTokenEvent(event *nostr.Event) (string, cashu.Proofs, []string, error) {
	if event.PubKey != s.publicKeyHex {
		return "", nil, nil, ErrNotOwnEvent
	}

	plaintext, err := s.Decrypt(event.Content)
	if err != nil {
		return "", nil, nil, fmt.Errorf("error decrypting token event: %w", err)
	}

	var content tokenEventContent
	if err := json.Unmarshal([]byte(plaintext), &content); err != nil {
		return "", nil, nil, fmt.Errorf("invalid token event content: %v", err)
	}

	proofs := make(cashu.Proofs, 0, len(content.Proofs))
	for _, proof := range content.Proofs {
		proofs = append(proofs, cashu.Proof{
			Id:     proof.Id,
			Amount: proof.Amount,
			Secret: normalizeSecret(proof.Secret),
			C:      proof.C,
		})
	}
	return content.Mint, proofs, content.Del, nil
}

// NewWalletMetadataEvent builds the replaceable kind 17375 event
// holding the wallet's mint list and the optional P2PK privkey.
func (s *Signer) NewWalletMetadataEvent(mints []string, walletPrivkey string) (*nostr.Event, error) {
	entries := make([][]string, 0, len(mints)+1)
	if walletPrivkey != "" {
		entries = append(entries, []string{"privkey", walletPrivkey})
	}
	for _, mint := range mints {
		entries = append(entries, []string{"mint", mint})
	}

	plaintext, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	encrypted, err := s.Encrypt(string(plaintext))
	if err != nil {
		return nil, err
	}
	return s.NewEvent(KindWalletMetadata, nil, encrypted)
}

// ParseWalletMetadataEvent returns the mint urls and wallet privkey of
// a kind 17375 event.
func (s *Signer) ParseWalletMetadataEvent(event *nostr.Event) (mints []string, walletPrivkey string, err error) {
	if event.PubKey != s.publicKeyHex {
		return nil, "", ErrNotOwnEvent
	}

	plaintext, err := s.Decrypt(event.Content)
	if err != nil {
		return nil, "", fmt.Errorf("error decrypting wallet event: %w", err)
	}

	var entries [][]string
	if err := json.Unmarshal([]byte(plaintext), &entries); err != nil {
		return nil, "", fmt.Errorf("invalid wallet event content: %v", err)
	}

	for _, entry := range entries {
		if len(entry) < 2 {
			continue
		}
		switch entry[0] {
		case "mint":
			mints = append(mints, entry[1])
		case "privkey":
			walletPrivkey = entry[1]
		}
	}
	return mints, walletPrivkey, nil
}

// NewHistoryEvent builds a kind 7376 spending history event. The
// direction and amount are encrypted, event references go in the
// encrypted content as well so spending patterns stay private.
func (s *Signer) NewHistoryEvent(direction string, amount uint64, created, destroyed []string) (*nostr.Event, error) {
	entries := [][]string{
		{"direction", direction},
		{"amount", strconv.FormatUint(amount, 10)},
	}
	for _, id := range created {
		entries = append(entries, []string{"e", id, "", "created"})
	}
	for _, id := range destroyed {
		entries = append(entries, []string{"e", id, "", "destroyed"})
	}

	plaintext, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	encrypted, err := s.Encrypt(string(plaintext))
	if err != nil {
		return nil, err
	}
	return s.NewEvent(KindSpendingHistory, nil, encrypted)
}

// HistoryEntry is a decrypted spending history record.
type HistoryEntry struct {
	Direction string
	Amount    uint64
	CreatedAt time.Time
}

// ParseHistoryEvent decrypts a kind 7376 event.
func (s *Signer) ParseHistoryEvent(event *nostr.Event) (*HistoryEntry, error) {
	if event.PubKey != s.publicKeyHex {
		return nil, ErrNotOwnEvent
	}

	plaintext, err := s.Decrypt(event.Content)
	if err != nil {
		return nil, fmt.Errorf("error decrypting history event: %w", err)
	}

	var entries [][]string
	if err := json.Unmarshal([]byte(plaintext), &entries); err != nil {
		return nil, fmt.Errorf("invalid history event content: %v", err)
	}

	entry := &HistoryEntry{CreatedAt: event.CreatedAt.Time()}
	for _, item := range entries {
		if len(item) < 2 {
			continue
		}
		switch item[0] {
		case "direction":
			entry.Direction = item[1]
		case "amount":
			amount, err := strconv.ParseUint(item[1], 10, 64)
			if err == nil {
				entry.Amount = amount
			}
		}
	}
	return entry, nil
}

// NewQuoteTrackerEvent builds a kind 7374 event remembering an open
// mint quote, with an expiration tag so relays can drop it later.
func (s *Signer) NewQuoteTrackerEvent(quoteId, mintURL string, expiry time.Time) (*nostr.Event, error) {
	encrypted, err := s.Encrypt(quoteId)
	if err != nil {
		return nil, err
	}
	tags := nostr.Tags{
		{"expiration", strconv.FormatInt(expiry.Unix(), 10)},
		{"mint", mintURL},
	}
	return s.NewEvent(KindQuoteTracker, tags, encrypted)
}

// ParseQuoteTrackerEvent returns the quote id and mint of a kind 7374
// event.
func (s *Signer) ParseQuoteTrackerEvent(event *nostr.Event) (quoteId, mintURL string, err error) {
	if event.PubKey != s.publicKeyHex {
		return "", "", ErrNotOwnEvent
	}
	quoteId, err = s.Decrypt(event.Content)
	if err != nil {
		return "", "", fmt.Errorf("error decrypting quote event: %w", err)
	}
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "mint" {
			mintURL = tag[1]
		}
	}
	return quoteId, mintURL, nil
}

// NewDeletionEvent builds a kind 5 deletion request for the given
// event ids.
func (s *Signer) NewDeletionEvent(eventIds []string, kind int) (*nostr.Event, error) {
	tags := make(nostr.Tags, 0, len(eventIds)+1)
	for _, id := range eventIds {
		tags = append(tags, nostr.Tag{"e", id})
	}
	tags = append(tags, nostr.Tag{"k", strconv.Itoa(kind)})
	return s.NewEvent(nostr.KindDeletion, tags, "")
}
