package logs

import "github.com/Iwinswap/iwinswap-perpetual-keeper/abi"

var (
	LiquidateEvent = abi.LiquidityPoolABI.Events["Liquidate"].ID
)
