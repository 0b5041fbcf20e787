package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nut60/nut60/cashu"
	"github.com/nut60/nut60/crypto"
)

const keysetCacheTTL = 15 * time.Minute

var ErrKeysetIdMismatch = errors.New("keyset id does not match derived id")

// activeKeyset is the validated active keyset of a mint for a unit.
type activeKeyset struct {
	id          string
	unit        cashu.Unit
	inputFeePpk uint
	publicKeys  map[uint64]*secp256k1.PublicKey
}

// mint bundles the client for a mint with its cached keyset
// information.
type mint struct {
	client    *MintClient
	keyset    *activeKeyset
	fetchedAt time.Time
}

func (w *Wallet) getMint(ctx context.Context, mintURL string) (*mint, error) {
	w.mintsMu.Lock()
	defer w.mintsMu.Unlock()

	m, ok := w.mints[mintURL]
	if ok && time.Since(m.fetchedAt) < keysetCacheTTL {
		return m, nil
	}
	if !ok {
		m = &mint{client: NewMintClient(mintURL)}
	}

	keyset, err := fetchActiveKeyset(ctx, m.client, w.unit)
	if err != nil {
		if ok && m.keyset != nil {
			// keep serving the stale keyset if the mint is down
			return m, nil
		}
		return nil, err
	}
	m.keyset = keyset
	m.fetchedAt = time.Now()
	w.mints[mintURL] = m

	return m, nil
}

// fetchActiveKeyset gets the active keyset for the unit with the
// lowest input fee and validates its id against the key material.
func fetchActiveKeyset(ctx context.Context, client *MintClient, unit cashu.Unit) (*activeKeyset, error) {
	keysetsRes, err := client.GetAllKeysets(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting keysets from mint: %w", err)
	}

	var id string
	var inputFeePpk uint
	found := false
	for _, keyset := range keysetsRes.Keysets {
		if !keyset.Active || keyset.Unit != unit.String() {
			continue
		}
		if !found || keyset.InputFeePpk < inputFeePpk {
			id = keyset.Id
			inputFeePpk = keyset.InputFeePpk
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("mint has no active keyset for unit '%v'", unit)
	}

	keysRes, err := client.GetKeysetById(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("error getting keyset keys from mint: %w", err)
	}
	if len(keysRes.Keysets) == 0 {
		return nil, errors.New("mint returned no keys for keyset")
	}
	keys := keysRes.Keysets[0].Keys

	if derived := crypto.DeriveKeysetId(keys); derived != id {
		return nil, fmt.Errorf("%w: got '%v' expected '%v'", ErrKeysetIdMismatch, derived, id)
	}

	publicKeys, err := crypto.MapPubKeys(keys)
	if err != nil {
		return nil, err
	}

	return &activeKeyset{
		id:          id,
		unit:        unit,
		inputFeePpk: inputFeePpk,
		publicKeys:  publicKeys,
	}, nil
}

// inputFees returns the fee charged for spending the proofs, rounding
// the summed parts-per-thousand up to the next whole unit.
func inputFees(proofs cashu.Proofs, inputFeePpk uint) uint64 {
	sumPpk := uint64(len(proofs)) * uint64(inputFeePpk)
	return (sumPpk + 999) / 1000
}

// selectProofsToSend picks proofs covering the target amount plus the
// input fees for the selected proofs. Fees grow with every proof
// added, so selection iterates until the total covers amount plus the
// fee of the selection itself.
func selectProofsToSend(proofs cashu.Proofs, amount uint64, inputFeePpk uint) (cashu.Proofs, error) {
	sorted := make(cashu.Proofs, len(proofs))
	copy(sorted, proofs)
	sorted.SortAscending()

	var selected cashu.Proofs
	var selectedAmount uint64
	// largest first keeps the input count and with it the fee small
	for i := len(sorted) - 1; i >= 0; i-- {
		if selectedAmount >= amount+inputFees(selected, inputFeePpk) {
			break
		}
		selected = append(selected, sorted[i])
		selectedAmount += sorted[i].Amount
	}

	if selectedAmount < amount+inputFees(selected, inputFeePpk) {
		return nil, ErrInsufficientBalance
	}
	return selected, nil
}
