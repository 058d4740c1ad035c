package main

import (
	"context"
	"math/big"

	keeper "github.com/Iwinswap/iwinswap-perpetual-keeper"
	"github.com/Iwinswap/iwinswap-perpetual-keeper/indexer"
	"github.com/Iwinswap/iwinswap-perpetual-keeper/liquidator"
	"github.com/Iwinswap/iwinswap-perpetual-keeper/logs"
	"github.com/Iwinswap/iwinswap-perpetual-keeper/notify"
	"github.com/Iwinswap/iwinswap-perpetual-keeper/reader"
	"github.com/ethereum/go-ethereum/common"
)

// accountReader is the subset of *reader.Reader used by marketReader.
type accountReader interface {
	ListAccounts(ctx context.Context, pool common.Address, perpetualIndex, begin, end uint64) ([]reader.Account, error)
	PerpetualCount(ctx context.Context, pool common.Address) (uint64, error)
	PerpetualInfo(ctx context.Context, pool common.Address, perpetualIndex uint64) (reader.PerpetualInfo, error)
	AccountCount(ctx context.Context, pool common.Address, perpetualIndex uint64) (uint64, error)
}

// marketReader adapts the contract reader to keeper.MarketReader.
type marketReader struct {
	r accountReader
}

func (m marketReader) ListAccounts(ctx context.Context, pool common.Address, perpetualIndex, begin, end uint64) ([]keeper.MarginAccount, error) {
	rows, err := m.r.ListAccounts(ctx, pool, perpetualIndex, begin, end)
	if err != nil {
		return nil, err
	}
	accounts := make([]keeper.MarginAccount, len(rows))
	for i, row := range rows {
		accounts[i] = keeper.MarginAccount{
			Trader:        row.Address,
			Position:      row.Position,
			AvailableCash: row.AvailableCash,
			Margin:        row.Margin,
			IsSafe:        row.IsSafe,
		}
	}
	return accounts, nil
}

func (m marketReader) PerpetualCount(ctx context.Context, pool common.Address) (uint64, error) {
	return m.r.PerpetualCount(ctx, pool)
}

func (m marketReader) PerpetualStatus(ctx context.Context, pool common.Address, perpetualIndex uint64) (keeper.PerpetualStatus, error) {
	info, err := m.r.PerpetualInfo(ctx, pool, perpetualIndex)
	if err != nil {
		return keeper.StatusInvalid, err
	}
	return keeper.PerpetualStatus(info.State), nil
}

func (m marketReader) PerpetualOracle(ctx context.Context, pool common.Address, perpetualIndex uint64) (common.Address, error) {
	info, err := m.r.PerpetualInfo(ctx, pool, perpetualIndex)
	if err != nil {
		return common.Address{}, err
	}
	return info.Oracle, nil
}

func (m marketReader) AccountCount(ctx context.Context, pool common.Address, perpetualIndex uint64) (uint64, error) {
	return m.r.AccountCount(ctx, pool, perpetualIndex)
}

func discoverPerpetuals(c *indexer.Client) keeper.DiscoverPerpetualsFunc {
	return func(ctx context.Context) ([]keeper.DiscoveredPerpetual, error) {
		records, err := c.Perpetuals(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]keeper.DiscoveredPerpetual, len(records))
		for i, rec := range records {
			out[i] = keeper.DiscoveredPerpetual{ID: rec.ID, Oracle: rec.OracleAddress}
		}
		return out, nil
	}
}

func submitLiquidation(l *liquidator.Liquidator) keeper.SubmitLiquidationFunc {
	return func(ctx context.Context, key keeper.PerpetualKey, trader common.Address, signer *keeper.KeeperAccount, gasPrice *big.Int) (common.Hash, error) {
		return l.LiquidateByAMM(ctx, key.Pool, key.Index, trader, signer.Key, gasPrice)
	}
}

// eventPublisher is satisfied by *notify.Publisher, including a nil one.
type eventPublisher interface {
	Publish(evt notify.LiquidationEvent) error
}

// onConfirmed logs the Liquidate events of every successful liquidation and
// forwards them to the publisher.
func onConfirmed(logger keeper.Logger, publisher eventPublisher) keeper.ConfirmationHandlerFunc {
	return func(c keeper.Confirmation) {
		if !c.Success {
			return
		}
		for _, l := range logs.FromReceipt(c.Receipt) {
			logger.Info("Liquidated",
				"perpetual", c.Perpetual.String(),
				"trader", l.Trader.Hex(),
				"amount", l.AmountDecimal().String(),
				"price", l.PriceDecimal().String(),
				"keeper", c.Keeper.Hex(),
				"txHash", c.TxHash.Hex(),
			)
			if err := publisher.Publish(notify.NewLiquidationEvent(l, c.Keeper)); err != nil {
				logger.Warn("Failed to publish liquidation", "txHash", c.TxHash.Hex(), "error", err)
			}
		}
	}
}
