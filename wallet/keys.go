package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// nostr key derivation path from NIP-06: m/44'/1237'/0'/0/0
var nip06Path = []uint32{
	bip32.FirstHardenedChild + 44,
	bip32.FirstHardenedChild + 1237,
	bip32.FirstHardenedChild,
	0,
	0,
}

// ParsePrivateKey accepts a nostr key as hex, as an nsec, or as a
// bip39 mnemonic and returns the hex private key.
func ParsePrivateKey(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("no private key provided")
	}

	if strings.HasPrefix(input, "nsec1") {
		prefix, value, err := nip19.Decode(input)
		if err != nil {
			return "", fmt.Errorf("invalid nsec: %v", err)
		}
		if prefix != "nsec" {
			return "", fmt.Errorf("expected nsec but got '%v'", prefix)
		}
		return value.(string), nil
	}

	if len(strings.Fields(input)) >= 12 {
		return deriveFromMnemonic(input)
	}

	keyBytes, err := hex.DecodeString(input)
	if err != nil || len(keyBytes) != 32 {
		return "", errors.New("invalid private key")
	}
	return strings.ToLower(input), nil
}

// deriveFromMnemonic derives the NIP-06 nostr key from a bip39
// mnemonic.
func deriveFromMnemonic(mnemonic string) (string, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")

	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return "", err
	}
	for _, index := range nip06Path {
		key, err = key.NewChildKey(index)
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(key.Key), nil
}

// NewMnemonic generates a fresh 12-word mnemonic for a new wallet.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// NewTemporaryKey generates an ephemeral key for one-off wallets.
func NewTemporaryKey() string {
	return nostr.GeneratePrivateKey()
}

// Npub returns the bech32 public key for display.
func Npub(publicKeyHex string) (string, error) {
	return nip19.EncodePublicKey(publicKeyHex)
}
