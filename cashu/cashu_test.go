package cashu

import (
	"encoding/hex"
	"reflect"
	"testing"
)

func TestDecodeTokenV4(t *testing.T) {
	keysetIdBytes, _ := hex.DecodeString("00ad268c4d1f5826")
	Cbytes, _ := hex.DecodeString("038618543ffb6b8695df4ad4babcde92a34a96bdcd97dcee0d7ccf98d472126792")

	tokenString := "cashuBpGF0gaJhaUgArSaMTR9YJmFwgaNhYQFhc3hAOWE2ZGJiODQ3YmQyMzJiYTc2ZGIwZGYxOTcyMTZiMjlkM2I4Y2MxNDU1M2NkMjc4MjdmYzFjYzk0MmZlZGI0ZWFjWCEDhhhUP_trhpXfStS6vN6So0qWvc2X3O4NfM-Y1HISZ5JhZGlUaGFuayB5b3VhbXVodHRwOi8vbG9jYWxob3N0OjMzMzhhdWNzYXQ="
	expected := TokenV4{
		MintURL: "http://localhost:3338",
		TokenProofs: []TokenV4Proof{
			{
				Id: keysetIdBytes,
				Proofs: []ProofV4{
					{
						Amount: 1,
						Secret: "9a6dbb847bd232ba76db0df197216b29d3b8cc14553cd27827fc1cc942fedb4e",
						C:      Cbytes,
					},
				},
			},
		},
		Unit: "sat",
		Memo: "Thank you",
	}

	token, err := DecodeTokenV4(tokenString)
	if err != nil {
		t.Fatalf("got error '%v' decoding token", err)
	}
	if token.Unit != expected.Unit {
		t.Errorf("expected '%v' but got '%v' instead\n", expected.Unit, token.Unit)
	}
	if token.Memo != expected.Memo {
		t.Errorf("expected '%v' but got '%v' instead\n", expected.Memo, token.Memo)
	}
	if token.Mint() != expected.MintURL {
		t.Errorf("expected '%v' but got '%v' instead\n", expected.MintURL, token.Mint())
	}
	if !reflect.DeepEqual(token.Proofs(), expected.Proofs()) {
		t.Errorf("expected '%v' but got '%v' instead\n", expected.Proofs(), token.Proofs())
	}
	if token.Amount() != 1 {
		t.Errorf("expected '%v' but got '%v' instead\n", 1, token.Amount())
	}
}

func TestSerializeTokenV4(t *testing.T) {
	keysetBytes, _ := hex.DecodeString("00ad268c4d1f5826")
	C, _ := hex.DecodeString("038618543ffb6b8695df4ad4babcde92a34a96bdcd97dcee0d7ccf98d472126792")

	token := TokenV4{
		TokenProofs: []TokenV4Proof{
			{
				Id: keysetBytes,
				Proofs: []ProofV4{
					{
						Amount: 1,
						Secret: "9a6dbb847bd232ba76db0df197216b29d3b8cc14553cd27827fc1cc942fedb4e",
						C:      C,
					},
				},
			},
		},
		Memo:    "Thank you",
		MintURL: "http://localhost:3338",
		Unit:    "sat",
	}
	expected := "cashuBpGF0gaJhaUgArSaMTR9YJmFwgaNhYQFhc3hAOWE2ZGJiODQ3YmQyMzJiYTc2ZGIwZGYxOTcyMTZiMjlkM2I4Y2MxNDU1M2NkMjc4MjdmYzFjYzk0MmZlZGI0ZWFjWCEDhhhUP_trhpXfStS6vN6So0qWvc2X3O4NfM-Y1HISZ5JhZGlUaGFuayB5b3VhbXVodHRwOi8vbG9jYWxob3N0OjMzMzhhdWNzYXQ"

	tokenString, err := token.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if tokenString != expected {
		t.Errorf("expected '%v'\n\n but got '%v' instead", expected, tokenString)
	}
}

func TestTokenV4RoundTrip(t *testing.T) {
	proofs := Proofs{
		{Amount: 2, Id: "009a1f293253e41e", Secret: "407915bc212be61a77e3e6d2aeb4c727980bda51cd06a6afc29e2861768a7837", C: "02bc9097997d81afb2cc7346b5e4345a9346bd2a506eb7958598a72f0cf85163ea"},
		{Amount: 8, Id: "009a1f293253e41e", Secret: "fe15109314e61d7756b0f8ee0f23a624acaa3f4e042f61433c728c7057b931be", C: "029e8e5050b890a7d6c0968db16bc1d5d5fa040ea1de284f6ec69d61299f671059"},
	}

	token, err := NewTokenV4(proofs, "https://8333.space:3338", Sat)
	if err != nil {
		t.Fatalf("got error '%v' creating token", err)
	}
	tokenString, err := token.Serialize()
	if err != nil {
		t.Fatalf("got error '%v' serializing token", err)
	}

	decoded, err := DecodeToken(tokenString)
	if err != nil {
		t.Fatalf("got error '%v' decoding token", err)
	}
	if decoded.Mint() != "https://8333.space:3338" {
		t.Errorf("expected '%v' but got '%v' instead\n", "https://8333.space:3338", decoded.Mint())
	}
	if !reflect.DeepEqual(decoded.Proofs(), proofs) {
		t.Errorf("expected '%v' but got '%v' instead\n", proofs, decoded.Proofs())
	}
}

func TestDecodeTokenV3(t *testing.T) {
	tokenString := "cashuAeyJ0b2tlbiI6W3sibWludCI6Imh0dHBzOi8vODMzMy5zcGFjZTozMzM4IiwicHJvb2ZzIjpbeyJhbW91bnQiOjIsImlkIjoiMDA5YTFmMjkzMjUzZTQxZSIsInNlY3JldCI6IjQwNzkxNWJjMjEyYmU2MWE3N2UzZTZkMmFlYjRjNzI3OTgwYmRhNTFjZDA2YTZhZmMyOWUyODYxNzY4YTc4MzciLCJDIjoiMDJiYzkwOTc5OTdkODFhZmIyY2M3MzQ2YjVlNDM0NWE5MzQ2YmQyYTUwNmViNzk1ODU5OGE3MmYwY2Y4NTE2M2VhIn0seyJhbW91bnQiOjgsImlkIjoiMDA5YTFmMjkzMjUzZTQxZSIsInNlY3JldCI6ImZlMTUxMDkzMTRlNjFkNzc1NmIwZjhlZTBmMjNhNjI0YWNhYTNmNGUwNDJmNjE0MzNjNzI4YzcwNTdiOTMxYmUiLCJDIjoiMDI5ZThlNTA1MGI4OTBhN2Q2YzA5NjhkYjE2YmMxZDVkNWZhMDQwZWExZGUyODRmNmVjNjlkNjEyOTlmNjcxMDU5In1dfV0sInVuaXQiOiJzYXQiLCJtZW1vIjoiVGhhbmsgeW91IHZlcnkgbXVjaC4ifQ"
	tokenWithPadding := tokenString + "=="

	expected := TokenV3{
		Token: []TokenV3Proof{
			{
				Mint: "https://8333.space:3338",
				Proofs: Proofs{
					Proof{
						Amount: 2,
						Id:     "009a1f293253e41e",
						Secret: "407915bc212be61a77e3e6d2aeb4c727980bda51cd06a6afc29e2861768a7837",
						C:      "02bc9097997d81afb2cc7346b5e4345a9346bd2a506eb7958598a72f0cf85163ea",
					},
					Proof{
						Amount: 8,
						Id:     "009a1f293253e41e",
						Secret: "fe15109314e61d7756b0f8ee0f23a624acaa3f4e042f61433c728c7057b931be",
						C:      "029e8e5050b890a7d6c0968db16bc1d5d5fa040ea1de284f6ec69d61299f671059",
					},
				},
			},
		},
		Unit: "sat",
		Memo: "Thank you very much.",
	}

	token, err := DecodeTokenV3(tokenString)
	if err != nil {
		t.Fatalf("got error '%v' decoding token", err)
	}

	tokenPadding, err := DecodeTokenV3(tokenWithPadding)
	if err != nil {
		t.Fatalf("got error '%v' decoding padded token", err)
	}
	if !reflect.DeepEqual(token, tokenPadding) {
		t.Error("decoded tokens do not match")
	}

	if !reflect.DeepEqual(*token, expected) {
		t.Errorf("expected '%v' but got '%v' instead\n", expected, *token)
	}
	if token.Amount() != 10 {
		t.Errorf("expected '%v' but got '%v' instead\n", 10, token.Amount())
	}
}

func TestAmountSplit(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected []uint64
	}{
		{13, []uint64{1, 4, 8}},
		{64, []uint64{64}},
		{255, []uint64{1, 2, 4, 8, 16, 32, 64, 128}},
		{0, []uint64{}},
	}

	for _, test := range tests {
		split := AmountSplit(test.amount)
		if !reflect.DeepEqual(split, test.expected) {
			t.Errorf("expected '%v' but got '%v' instead\n", test.expected, split)
		}

		var sum uint64
		for _, amount := range split {
			sum += amount
		}
		if sum != test.amount {
			t.Errorf("expected '%v' but got '%v' instead\n", test.amount, sum)
		}
	}
}

func TestSortAscending(t *testing.T) {
	proofs := Proofs{{Amount: 8}, {Amount: 1}, {Amount: 64}, {Amount: 2}}
	proofs.SortAscending()

	expected := Proofs{{Amount: 1}, {Amount: 2}, {Amount: 8}, {Amount: 64}}
	if !reflect.DeepEqual(proofs, expected) {
		t.Errorf("expected '%v' but got '%v' instead\n", expected, proofs)
	}
}

func TestCheckDuplicateProofs(t *testing.T) {
	proofs := Proofs{
		{Amount: 1, Secret: "s1", C: "c1"},
		{Amount: 2, Secret: "s2", C: "c2"},
	}
	if CheckDuplicateProofs(proofs) {
		t.Error("expected no duplicates")
	}

	proofs = append(proofs, Proof{Amount: 1, Secret: "s1", C: "c1"})
	if !CheckDuplicateProofs(proofs) {
		t.Error("expected duplicates to be detected")
	}
}

func TestParseUnit(t *testing.T) {
	unit, err := ParseUnit("sat")
	if err != nil {
		t.Fatalf("got error '%v' parsing unit", err)
	}
	if unit != Sat {
		t.Errorf("expected '%v' but got '%v' instead\n", Sat, unit)
	}

	if _, err := ParseUnit("doge"); err == nil {
		t.Error("expected error parsing unknown unit")
	}
}

func TestUnitConversions(t *testing.T) {
	tests := []struct {
		unit     Unit
		amount   uint64
		expected uint64
	}{
		{Sat, 21, 21},
		{Msat, 21, 21},
		{USD, 3, 300},
		{EUR, 5, 500},
		{USDC, 2, 200},
		{BTC, 1, 100_000_000},
	}

	for _, test := range tests {
		if got := test.unit.ToBaseUnit(test.amount); got != test.expected {
			t.Errorf("expected '%v' but got '%v' instead for unit %v\n", test.expected, got, test.unit)
		}
	}

	if got := USD.FromBaseUnit(150); got != 1.5 {
		t.Errorf("expected '%v' but got '%v' instead\n", 1.5, got)
	}
	if got := Sat.FromBaseUnit(21); got != 21 {
		t.Errorf("expected '%v' but got '%v' instead\n", 21, got)
	}

	if got := SatToMsat(21); got != 21000 {
		t.Errorf("expected '%v' but got '%v' instead\n", 21000, got)
	}
	if got := MsatToSat(21999); got != 21 {
		t.Errorf("expected '%v' but got '%v' instead\n", 21, got)
	}
}

func TestFingerprint(t *testing.T) {
	p1 := Proof{Amount: 1, Secret: "abc", C: "def"}
	p2 := Proof{Amount: 2, Secret: "abc", C: "def"}
	// fingerprints identify the secret and signature, not the amount
	if p1.Fingerprint() != p2.Fingerprint() {
		t.Errorf("expected '%v' but got '%v' instead\n", p1.Fingerprint(), p2.Fingerprint())
	}
}
