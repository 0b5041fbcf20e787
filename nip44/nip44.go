// Package nip44 implements version 2 of the NIP-44 encrypted payload
// scheme used for wallet event content. Payloads are encrypted with
// ChaCha20 and authenticated with HMAC-SHA256, with keys derived from
// an ECDH conversation key via HKDF.
package nip44

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	version = 0x02

	minPlaintextSize = 1
	maxPlaintextSize = 65535
)

var (
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrInvalidMAC      = errors.New("invalid mac")
	ErrInvalidPadding  = errors.New("invalid padding")
	ErrUnknownVersion  = errors.New("unknown payload version")
	ErrPlaintextLength = errors.New("invalid plaintext length")
)

// ConversationKey derives the long-lived conversation key between a
// private key and a 32-byte x-only public key given as hex.
func ConversationKey(privateKey *secp256k1.PrivateKey, publicKeyHex string) ([]byte, error) {
	pubkeyBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pubkeyBytes) != 32 {
		return nil, fmt.Errorf("invalid public key '%v'", publicKeyHex)
	}
	publicKey, err := secp256k1.ParsePubKey(append([]byte{0x02}, pubkeyBytes...))
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %v", err)
	}

	sharedX := secp256k1.GenerateSharedSecret(privateKey, publicKey)
	return hkdf.Extract(sha256.New, sharedX, []byte("nip44-v2")), nil
}

// messageKeys expands the conversation key and per-message nonce into
// the cipher key, cipher nonce and mac key.
func messageKeys(conversationKey []byte, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(conversationKey) != 32 {
		return nil, nil, nil, errors.New("invalid conversation key length")
	}
	if len(nonce) != 32 {
		return nil, nil, nil, errors.New("invalid nonce length")
	}

	expanded := make([]byte, 76)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, conversationKey, nonce), expanded); err != nil {
		return nil, nil, nil, err
	}
	return expanded[0:32], expanded[32:44], expanded[44:76], nil
}

// CalcPaddedLen returns the padded length for a plaintext of the given
// size. Short messages pad to 32 bytes, longer ones to a multiple of a
// chunk size that grows with the next power of two.
func CalcPaddedLen(unpaddedLen int) int {
	if unpaddedLen <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(unpaddedLen-1))
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((unpaddedLen-1)/chunk + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	if len(plaintext) < minPlaintextSize || len(plaintext) > maxPlaintextSize {
		return nil, ErrPlaintextLength
	}
	padded := make([]byte, 2+CalcPaddedLen(len(plaintext)))
	padded[0] = byte(len(plaintext) >> 8)
	padded[1] = byte(len(plaintext))
	copy(padded[2:], plaintext)
	return padded, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2+32 {
		return nil, ErrInvalidPadding
	}
	unpaddedLen := int(padded[0])<<8 | int(padded[1])
	if unpaddedLen < minPlaintextSize || unpaddedLen > maxPlaintextSize {
		return nil, ErrInvalidPadding
	}
	if len(padded) != 2+CalcPaddedLen(unpaddedLen) {
		return nil, ErrInvalidPadding
	}
	return padded[2 : 2+unpaddedLen], nil
}

func computeMac(hmacKey, nonce, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(nonce)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

// Encrypt encrypts the plaintext under the conversation key with a
// fresh random nonce and returns the base64 payload.
func Encrypt(plaintext string, conversationKey []byte) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return encryptWithNonce(plaintext, conversationKey, nonce)
}

func encryptWithNonce(plaintext string, conversationKey, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	padded, err := pad([]byte(plaintext))
	if err != nil {
		return "", err
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cipher.XORKeyStream(ciphertext, padded)

	mac := computeMac(hmacKey, nonce, ciphertext)

	payload := make([]byte, 0, 1+len(nonce)+len(ciphertext)+len(mac))
	payload = append(payload, version)
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)
	payload = append(payload, mac...)

	return base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt authenticates and decrypts a base64 payload produced by
// Encrypt. Payloads with a bad mac, a bad version or malformed padding
// are rejected.
func Decrypt(payload string, conversationKey []byte) (string, error) {
	if len(payload) > 0 && payload[0] == '#' {
		return "", ErrUnknownVersion
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrInvalidPayload
	}
	// version + nonce + min ciphertext (2 + 32) + mac
	if len(decoded) < 1+32+34+32 {
		return "", ErrInvalidPayload
	}
	if decoded[0] != version {
		return "", ErrUnknownVersion
	}

	nonce := decoded[1:33]
	ciphertext := decoded[33 : len(decoded)-32]
	mac := decoded[len(decoded)-32:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	expectedMac := computeMac(hmacKey, nonce, ciphertext)
	if !hmac.Equal(mac, expectedMac) {
		return "", ErrInvalidMAC
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	cipher.XORKeyStream(padded, ciphertext)

	plaintext, err := unpad(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
