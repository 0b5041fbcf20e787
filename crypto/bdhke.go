package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var domainSeparator = []byte("Secp256k1_HashToCurve_Cashu_")

const maxHashIterations = 1 << 16

var ErrNoValidPoint = errors.New("no valid point found")

// HashToCurve maps a message to a point on the curve using the
// domain-separated algorithm from NUT-00: hash the message with a
// domain separator, then append an incrementing little-endian counter
// until the result is a valid x coordinate with an even y.
func HashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	msgHash := sha256.Sum256(append(domainSeparator, message...))

	counterBytes := make([]byte, 4)
	for counter := uint32(0); counter < maxHashIterations; counter++ {
		binary.LittleEndian.PutUint32(counterBytes, counter)
		hash := sha256.Sum256(append(msgHash[:], counterBytes...))
		pkhash := append([]byte{0x02}, hash[:]...)
		point, err := secp256k1.ParsePubKey(pkhash)
		if err == nil {
			return point, nil
		}
	}
	return nil, ErrNoValidPoint
}

// B_ = Y + rG
func BlindMessage(secret []byte, blindingFactor []byte) (*secp256k1.PublicKey, *secp256k1.PrivateKey, error) {
	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint

	Y, err := HashToCurve(secret)
	if err != nil {
		return nil, nil, err
	}
	Y.AsJacobian(&ypoint)

	r, rpub := btcec.PrivKeyFromBytes(blindingFactor)
	rpub.AsJacobian(&rpoint)

	// blindedMessage = Y + rG (rpub)
	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r, nil
}

// C_ = kB_
func SignBlindedMessage(B_ *secp256k1.PublicKey, k *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	// result = k * B_
	secp256k1.ScalarMultNonConst(&k.Key, &bpoint, &result)
	result.ToAffine()
	C_ := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C_
}

// C = C_ - rK
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey,
	K *secp256k1.PublicKey) *secp256k1.PublicKey {

	var Kpoint, rKPoint, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	C := secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
	return C
}

// k * HashToCurve(secret) == C
func Verify(secret []byte, k *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	var Ypoint, result secp256k1.JacobianPoint
	Y, err := HashToCurve(secret)
	if err != nil {
		return false
	}
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&k.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}
