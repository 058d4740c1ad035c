// Command keeper watches perpetual markets and liquidates unsafe margin accounts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	keeper "github.com/Iwinswap/iwinswap-perpetual-keeper"
	"github.com/Iwinswap/iwinswap-perpetual-keeper/config"
	"github.com/Iwinswap/iwinswap-perpetual-keeper/indexer"
	"github.com/Iwinswap/iwinswap-perpetual-keeper/keys"
	"github.com/Iwinswap/iwinswap-perpetual-keeper/liquidator"
	"github.com/Iwinswap/iwinswap-perpetual-keeper/logging"
	"github.com/Iwinswap/iwinswap-perpetual-keeper/notify"
	"github.com/Iwinswap/iwinswap-perpetual-keeper/price"
	"github.com/Iwinswap/iwinswap-perpetual-keeper/reader"
	"github.com/Iwinswap/iwinswap-perpetual-keeper/server"
	"github.com/Iwinswap/iwinswap-perpetual-keeper/watcher"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// staleHeadAfter is how long without a new block before /healthz fails.
const staleHeadAfter = 5 * time.Minute

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "keeper:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}

	if !common.IsHexAddress(cfg.ReaderAddress) {
		return fmt.Errorf("reader address %q is not an address", cfg.ReaderAddress)
	}
	contractReader, err := reader.New(client, reader.Config{
		ReaderAddress:      common.HexToAddress(cfg.ReaderAddress),
		MaxConcurrentCalls: cfg.RPC.MaxConcurrentCalls,
		RequestsPerSecond:  cfg.RPC.RequestsPerSecond,
		Burst:              cfg.RPC.Burst,
		CallTimeout:        cfg.RPC.CallTimeout,
	})
	if err != nil {
		return err
	}

	privateKeys, err := keys.Load(cfg.KeeperKeyList, cfg.KeeperKey)
	if err != nil {
		return err
	}
	accounts := make([]*keeper.KeeperAccount, len(privateKeys))
	for i, pk := range privateKeys {
		accounts[i] = keeper.NewKeeperAccount(pk)
		logger.Info("Keeper account loaded", "address", accounts[i].Address.Hex())
	}

	sender, err := liquidator.New(client, chainID, 0)
	if err != nil {
		return err
	}

	prices, err := price.New(cfg.PriceURL, cfg.HTTPTimeout)
	if err != nil {
		return err
	}

	var discover keeper.DiscoverPerpetualsFunc
	if !cfg.UseWhitelist {
		graph, err := indexer.New(cfg.GraphURL, cfg.HTTPTimeout)
		if err != nil {
			return err
		}
		discover = discoverPerpetuals(graph)
	}

	var publisher *notify.Publisher
	if cfg.NATS.URL != "" {
		if publisher, err = notify.Connect(cfg.NATS.URL, cfg.NATS.Subject, cfg.HTTPTimeout); err != nil {
			return err
		}
		defer publisher.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	k, err := keeper.New(ctx, &keeper.Config{
		Name:                 cfg.Name,
		PrometheusReg:        reg,
		Reader:               marketReader{r: contractReader},
		UseWhitelist:         cfg.UseWhitelist,
		Whitelist:            cfg.Whitelist,
		DiscoverPerpetuals:   discover,
		Blacklist:            cfg.Blacklist,
		FetchPrice:           prices.Fetch,
		SubmitLiquidation:    submitLiquidation(sender),
		WaitReceipt:          sender.WaitReceipt,
		OnConfirmed:          onConfirmed(logger, publisher),
		ErrorHandler:         func(error) {},
		KeeperAccounts:       accounts,
		GasPrice:             cfg.GasPriceWei(),
		PageSize:             cfg.Scan.PageSize,
		ScanConcurrency:      cfg.Scan.Concurrency,
		MaxCachedAccounts:    cfg.Scan.MaxCachedAccounts,
		MaxPageErrors:        cfg.Scan.MaxPageErrors,
		TxTimeout:            cfg.TxTimeout,
		ConfirmationAttempts: cfg.ConfirmationAttempts,
		Logger:               logger,
	})
	if err != nil {
		return err
	}
	defer k.Close()

	w, err := watcher.New(client, watcher.Config{
		PollInterval:  cfg.Watcher.PollInterval,
		PriceInterval: cfg.Watcher.PriceInterval,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	var lastHead atomic.Int64
	lastHead.Store(time.Now().Unix())
	w.AddBlockSyncer(func(context.Context, uint64) { lastHead.Store(time.Now().Unix()) })
	k.Register(w)

	ops, err := server.New(server.Config{
		Addr:       cfg.Server.Addr,
		Perpetuals: k,
		Gatherer:   reg,
		Health: func() error {
			if since := time.Since(time.Unix(lastHead.Load(), 0)); since > staleHeadAfter {
				return errors.New("no new block for " + since.Truncate(time.Second).String())
			}
			return nil
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	ops.Start()

	w.Run(ctx)
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ops.Shutdown(shutdownCtx)
}
