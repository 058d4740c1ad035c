// Package notify publishes confirmed liquidations to NATS.
package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Iwinswap/iwinswap-perpetual-keeper/logs"
	"github.com/ethereum/go-ethereum/common"
	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
)

const (
	DefaultSubject = "keeper.liquidations"
	defaultTimeout = 5 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LiquidationEvent is the message published for every decoded Liquidate event.
type LiquidationEvent struct {
	Perpetual   string `json:"perpetual"`
	Pool        string `json:"pool"`
	Index       uint64 `json:"index"`
	Keeper      string `json:"keeper"`
	Liquidator  string `json:"liquidator"`
	Trader      string `json:"trader"`
	Amount      string `json:"amount"`
	Price       string `json:"price"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// NewLiquidationEvent converts a decoded Liquidate event sent by keeper.
func NewLiquidationEvent(l logs.Liquidation, keeper common.Address) LiquidationEvent {
	return LiquidationEvent{
		Perpetual:   fmt.Sprintf("%s-%d", strings.ToLower(l.Pool.Hex()), l.PerpetualIndex),
		Pool:        l.Pool.Hex(),
		Index:       l.PerpetualIndex,
		Keeper:      keeper.Hex(),
		Liquidator:  l.Liquidator.Hex(),
		Trader:      l.Trader.Hex(),
		Amount:      l.AmountDecimal().String(),
		Price:       l.PriceDecimal().String(),
		TxHash:      l.TxHash.Hex(),
		BlockNumber: l.BlockNumber,
	}
}

type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher sends liquidation events to a subject. A nil *Publisher is valid
// and drops every event.
type Publisher struct {
	conn    conn
	subject string
}

// Connect dials the NATS server at url. An empty subject uses DefaultSubject.
func Connect(url, subject string, timeout time.Duration) (*Publisher, error) {
	if url == "" {
		return nil, errors.New("notify: nats url is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	nc, err := nats.Connect(url, nats.Name("perpetual-keeper"), nats.Timeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return newPublisher(nc, subject), nil
}

func newPublisher(c conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: c, subject: subject}
}

// Publish encodes evt as JSON and publishes it.
func (p *Publisher) Publish(evt LiquidationEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal liquidation event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", p.subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
