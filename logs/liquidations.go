package logs

import (
	"math/big"

	"github.com/Iwinswap/iwinswap-perpetual-keeper/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

const wadExponent = -18

// Liquidation is a decoded Liquidate event.
type Liquidation struct {
	Pool           common.Address
	PerpetualIndex uint64
	Liquidator     common.Address
	Trader         common.Address
	Amount         *big.Int
	Price          *big.Int
	Penalty        *big.Int
	PenaltyToLP    *big.Int
	TxHash         common.Hash
	BlockNumber    uint64
}

// AmountDecimal returns the liquidated position size as a decimal.
func (l Liquidation) AmountDecimal() decimal.Decimal {
	return decimal.NewFromBigInt(l.Amount, wadExponent)
}

// PriceDecimal returns the liquidation price as a decimal.
func (l Liquidation) PriceDecimal() decimal.Decimal {
	return decimal.NewFromBigInt(l.Price, wadExponent)
}

// ParseLiquidations decodes every Liquidate event in logs, in log order.
// Logs that are not well-formed Liquidate events are skipped.
func ParseLiquidations(logs []types.Log) []Liquidation {
	var out []Liquidation
	for _, log := range logs {
		// Liquidate carries the event id plus two indexed addresses.
		if len(log.Topics) != 3 || log.Topics[0] != LiquidateEvent {
			continue
		}

		values, err := abi.LiquidityPoolABI.Unpack("Liquidate", log.Data)
		if err != nil || len(values) != 5 {
			continue
		}
		index, ok0 := values[0].(*big.Int)
		amount, ok1 := values[1].(*big.Int)
		price, ok2 := values[2].(*big.Int)
		penalty, ok3 := values[3].(*big.Int)
		penaltyToLP, ok4 := values[4].(*big.Int)
		if !(ok0 && ok1 && ok2 && ok3 && ok4) || !index.IsUint64() {
			continue
		}

		out = append(out, Liquidation{
			Pool:           log.Address,
			PerpetualIndex: index.Uint64(),
			Liquidator:     common.BytesToAddress(log.Topics[1].Bytes()),
			Trader:         common.BytesToAddress(log.Topics[2].Bytes()),
			Amount:         amount,
			Price:          price,
			Penalty:        penalty,
			PenaltyToLP:    penaltyToLP,
			TxHash:         log.TxHash,
			BlockNumber:    log.BlockNumber,
		})
	}
	return out
}

// FromReceipt decodes the Liquidate events of a mined transaction. The receipt
// bloom is checked first so receipts without the event are not scanned.
func FromReceipt(receipt *types.Receipt) []Liquidation {
	if receipt == nil || !LiquidateEventInBloom(receipt.Bloom) {
		return nil
	}
	logs := make([]types.Log, 0, len(receipt.Logs))
	for _, l := range receipt.Logs {
		if l != nil {
			logs = append(logs, *l)
		}
	}
	return ParseLiquidations(logs)
}
