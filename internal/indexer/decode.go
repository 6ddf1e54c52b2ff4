package indexer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/zh0006xu/PolyLens/pkg/types"
)

// OrderFilledTopic is the topic0 of the CTF exchange's fill event.
var OrderFilledTopic = crypto.Keccak256Hash(
	[]byte("OrderFilled(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)"))

// wordSize is one ABI-encoded slot.
const wordSize = 32

// usdcScale converts raw 6-decimal amounts to USD units.
var usdcScale = decimal.New(1, 6)

// DecodeOrderFilled turns one OrderFilled log into a normalized fill.
//
// The maker side determines direction: a maker asset id of zero means the
// maker paid collateral, so the fill is a BUY of the taker asset; otherwise
// the maker sold their asset for collateral.
func DecodeOrderFilled(lg ethtypes.Log) (types.DecodedFill, error) {
	var f types.DecodedFill

	if len(lg.Topics) < 4 {
		return f, fmt.Errorf("log %s/%d: want 4 topics, got %d", lg.TxHash.Hex(), lg.Index, len(lg.Topics))
	}
	if lg.Topics[0] != OrderFilledTopic {
		return f, fmt.Errorf("log %s/%d: not an OrderFilled event", lg.TxHash.Hex(), lg.Index)
	}
	if len(lg.Data) < 5*wordSize {
		return f, fmt.Errorf("log %s/%d: short data (%d bytes)", lg.TxHash.Hex(), lg.Index, len(lg.Data))
	}

	word := func(i int) *big.Int {
		return new(big.Int).SetBytes(lg.Data[i*wordSize : (i+1)*wordSize])
	}
	makerAssetID := word(0)
	takerAssetID := word(1)
	makerAmount := word(2)
	takerAmount := word(3)
	feeRaw := word(4)

	f.TxHash = lg.TxHash.Hex()
	f.LogIndex = int64(lg.Index)
	f.BlockNumber = int64(lg.BlockNumber)
	// Addresses are stored lowercase; API lookups compare lowercase.
	f.Maker = strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex())
	f.Taker = strings.ToLower(common.BytesToAddress(lg.Topics[3].Bytes()).Hex())

	var usdcRaw, tokenRaw *big.Int
	if makerAssetID.Sign() == 0 {
		f.Side = types.BUY
		f.TokenID = takerAssetID.String()
		usdcRaw, tokenRaw = makerAmount, takerAmount
	} else {
		f.Side = types.SELL
		f.TokenID = makerAssetID.String()
		usdcRaw, tokenRaw = takerAmount, makerAmount
	}
	f.UsdcRaw = usdcRaw.String()
	f.TokenRaw = tokenRaw.String()

	usdc := decimal.NewFromBigInt(usdcRaw, 0)
	token := decimal.NewFromBigInt(tokenRaw, 0)
	if tokenRaw.Sign() > 0 {
		f.Price, _ = usdc.Div(token).Float64()
	}
	f.Size, _ = token.Div(usdcScale).Float64()
	f.Fee, _ = decimal.NewFromBigInt(feeRaw, 0).Div(usdcScale).Float64()

	return f, nil
}
