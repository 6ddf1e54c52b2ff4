// Package ctf derives outcome token IDs for the Conditional Tokens Framework.
//
// Polymarket identifies each outcome token by a uint256 position ID computed
// from the market's condition ID, the outcome index, and the collateral token
// address. The middle step (condition → collection ID) is a hash-to-curve
// mapping onto alt-bn128, so the derivation can be reproduced off-chain
// without any RPC calls. Everything in this package is pure and safe for
// concurrent use.
package ctf

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// alt-bn128 (BN254) parameters. The curve is y² = x³ + 3 over F_P.
var (
	altBN128P, _ = new(big.Int).SetString("21888242871839275222246405745257275088696311157297823662689037894645226208583", 10)
	curveB       = big.NewInt(3)

	// oddToggle flips bit 254 of the collection ID when the initial hash's
	// top bit is set, mirroring the on-chain CTHelpers encoding.
	oddToggle = new(big.Int).Lsh(big.NewInt(1), 254)
)

// TokenIDs is the result of deriving both outcome tokens of a binary market.
// Yes and No are uint256 position IDs rendered as decimal strings, which is
// how the CLOB and Gamma APIs represent them.
type TokenIDs struct {
	Yes        string
	No         string
	Collateral common.Address
}

// Derive computes the YES/NO token IDs for a condition. NegRisk markets use
// the wrapped collateral adapter as collateral; everything else uses USDC.e.
func Derive(conditionID string, negRisk bool, usdcE, wrappedCollateral common.Address) (TokenIDs, error) {
	cond, err := parseConditionID(conditionID)
	if err != nil {
		return TokenIDs{}, err
	}

	collateral := usdcE
	if negRisk {
		collateral = wrappedCollateral
	}

	yes := positionID(collateral, collectionID(cond, 1))
	no := positionID(collateral, collectionID(cond, 2))

	return TokenIDs{Yes: yes, No: no, Collateral: collateral}, nil
}

// collectionID maps (conditionId, outcome index) onto an alt-bn128 point and
// returns its encoded x coordinate. The search loop increments x before each
// residue test; roughly half of all x values admit a square root, so it
// terminates after a couple of iterations in practice.
func collectionID(cond [32]byte, index int64) [32]byte {
	var enc [64]byte
	copy(enc[:32], cond[:])
	big.NewInt(index).FillBytes(enc[32:])

	h := crypto.Keccak256(enc[:])
	odd := h[0] >= 0x80

	x := new(big.Int).SetBytes(h)
	x.Mod(x, altBN128P)

	one := big.NewInt(1)
	yy := new(big.Int)
	y := new(big.Int)
	for {
		x.Add(x, one)
		if x.Cmp(altBN128P) >= 0 {
			x.Sub(x, altBN128P)
		}
		// yy = x³ + 3 mod P; P ≡ 3 (mod 4) so ModSqrt is a single modexp.
		yy.Mul(x, x).Mod(yy, altBN128P)
		yy.Mul(yy, x).Add(yy, curveB).Mod(yy, altBN128P)
		if y.ModSqrt(yy, altBN128P) != nil {
			break
		}
	}

	if odd {
		x.Xor(x, oddToggle)
	}

	var out [32]byte
	x.FillBytes(out[:])
	return out
}

// positionID hashes the 20-byte collateral address against the 32-byte
// collection ID and returns the uint256 digest as a decimal string.
func positionID(collateral common.Address, collection [32]byte) string {
	packed := make([]byte, 0, 52)
	packed = append(packed, collateral.Bytes()...)
	packed = append(packed, collection[:]...)
	return new(big.Int).SetBytes(crypto.Keccak256(packed)).String()
}

func parseConditionID(s string) ([32]byte, error) {
	var cond [32]byte
	trimmed := strings.TrimPrefix(s, "0x")
	if len(trimmed) != 64 {
		return cond, fmt.Errorf("condition id must be 32 bytes, got %q", s)
	}
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return cond, fmt.Errorf("parse condition id %q: %w", s, err)
	}
	copy(cond[:], b)
	return cond, nil
}
