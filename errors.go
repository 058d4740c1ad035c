package keeper

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTransactionFailed is reported when a liquidation receipt has status 0.
var ErrTransactionFailed = errors.New("liquidation transaction reverted")

// DiscoveryError indicates the market indexer could not be queried.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery: failed to query perpetuals: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// ScanError indicates a page of margin accounts could not be read.
type ScanError struct {
	Perpetual PerpetualKey
	Begin     uint64
	End       uint64
	Err       error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: failed to read accounts [%d, %d): %v", e.Perpetual, e.Begin, e.End, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// StatusError indicates the perpetual state could not be refreshed.
type StatusError struct {
	Perpetual PerpetualKey
	Err       error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scan %s: failed to read perpetual status: %v", e.Perpetual, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// PriceError indicates an oracle price could not be fetched.
type PriceError struct {
	Oracle string
	Err    error
}

func (e *PriceError) Error() string {
	return fmt.Sprintf("oracle %s: failed to fetch price: %v", e.Oracle, e.Err)
}

func (e *PriceError) Unwrap() error { return e.Err }

// SubmissionError is a rejected liquidation call. It is logged at fatal
// severity but never stops the keeper.
type SubmissionError struct {
	Perpetual PerpetualKey
	Trader    common.Address
	Keeper    common.Address
	Err       error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("liquidate %s trader %s from %s: %v", e.Perpetual, e.Trader.Hex(), e.Keeper.Hex(), e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ConfirmationError indicates a submitted liquidation was mined but reverted.
type ConfirmationError struct {
	Perpetual PerpetualKey
	Trader    common.Address
	TxHash    common.Hash
	Err       error
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("liquidate %s trader %s tx %s: %v", e.Perpetual, e.Trader.Hex(), e.TxHash.Hex(), e.Err)
}

func (e *ConfirmationError) Unwrap() error { return e.Err }

// determineErrorType maps an error to the label used by the errors_total metric.
func determineErrorType(err error) string {
	var (
		discoveryErr    *DiscoveryError
		scanErr         *ScanError
		statusErr       *StatusError
		priceErr        *PriceError
		submissionErr   *SubmissionError
		confirmationErr *ConfirmationError
	)
	switch {
	case errors.As(err, &submissionErr):
		return "submission"
	case errors.As(err, &confirmationErr):
		return "confirmation"
	case errors.As(err, &scanErr):
		return "scan"
	case errors.As(err, &statusErr):
		return "status"
	case errors.As(err, &discoveryErr):
		return "discovery"
	case errors.As(err, &priceErr):
		return "price"
	default:
		return "unknown"
	}
}
