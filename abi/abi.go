// Package abi holds the contract interfaces the keeper talks to.
package abi

import (
	_ "embed"
	"strings"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	//go:embed liquidity_pool.json
	liquidityPoolJSON string

	//go:embed reader.json
	readerJSON string
)

var (
	// LiquidityPoolABI covers the subset of the pool contract used for perpetual
	// discovery, account listing and liquidation.
	LiquidityPoolABI = mustParse(liquidityPoolJSON)

	// ReaderABI is the batch reader used to page through margin accounts.
	ReaderABI = mustParse(readerJSON)
)

func mustParse(raw string) gethabi.ABI {
	parsed, err := gethabi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("abi: " + err.Error())
	}
	return parsed
}
