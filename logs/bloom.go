package logs

import (
	"github.com/ethereum/go-ethereum/core/types"
)

// LiquidateEventInBloom reports whether bloom may contain a Liquidate event.
func LiquidateEventInBloom(bloom types.Bloom) bool {
	return bloom.Test(LiquidateEvent.Bytes())
}
