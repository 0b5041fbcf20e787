package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nut60/nut60/cashu/nuts/nut01"
)

// DeriveKeysetId derives the v1 keyset id from a keys map: a zero
// version byte followed by the first 7 bytes of the SHA-256 hash of
// the "{amount}{pubkey_hex}" pairs concatenated in ascending amount
// order.
func DeriveKeysetId(keys nut01.KeysMap) string {
	amounts := make([]uint64, 0, len(keys))
	for amount := range keys {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	var sb strings.Builder
	for _, amount := range amounts {
		sb.WriteString(strconv.FormatUint(amount, 10))
		sb.WriteString(keys[amount])
	}
	hash := sha256.Sum256([]byte(sb.String()))

	return "00" + hex.EncodeToString(hash[:7])
}

// MapPubKeys parses the hex public keys of a keys map into points.
// Every key has to be a valid 33-byte compressed public key.
func MapPubKeys(keys nut01.KeysMap) (map[uint64]*secp256k1.PublicKey, error) {
	parsed := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, pubkeyHex := range keys {
		pubkeyBytes, err := hex.DecodeString(pubkeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for amount %v: %v", amount, err)
		}
		if len(pubkeyBytes) != 33 {
			return nil, fmt.Errorf("invalid public key length for amount %v: %v", amount, len(pubkeyBytes))
		}
		pubkey, err := secp256k1.ParsePubKey(pubkeyBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for amount %v: %v", amount, err)
		}
		parsed[amount] = pubkey
	}
	return parsed, nil
}
