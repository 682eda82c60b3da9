// Package legfeed publishes persisted trade legs to Kafka so downstream
// consumers can follow wallet activity without polling the database.
package legfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/segmentio/kafka-go"

	"dex-pnl-indexer/internal/domain"
	"dex-pnl-indexer/internal/provider"
	"dex-pnl-indexer/internal/storage"
)

// DefaultTopic receives leg events when none is configured.
const DefaultTopic = "trade-legs"

// Config holds Kafka connection settings.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// Writer is the part of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes one message per leg, keyed by tracked token so a token's
// legs stay on one partition in order.
type Publisher struct {
	writer Writer
	clock  provider.Clock
}

var _ storage.LegAuditSink = (*Publisher)(nil)

// NewPublisher creates a publisher backed by a kafka-go writer.
func NewPublisher(cfg Config) *Publisher {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 100 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: batchTimeout,
	}
	return NewPublisherWith(w, nil)
}

// NewPublisherWith wraps an existing writer.
func NewPublisherWith(w Writer, clock provider.Clock) *Publisher {
	if clock == nil {
		clock = provider.SystemClock{}
	}
	return &Publisher{writer: w, clock: clock}
}

// InsertLegs publishes legs as a single batch.
func (p *Publisher) InsertLegs(ctx context.Context, legs []*domain.TradeLeg) error {
	if len(legs) == 0 {
		return nil
	}
	now := p.clock.Now()
	msgs := make([]kafka.Message, 0, len(legs))
	for _, l := range legs {
		data, err := json.Marshal(newLegEvent(l))
		if err != nil {
			return fmt.Errorf("encode leg %s: %w", l.LegID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(l.TokenAddress),
			Value: data,
			Time:  now,
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d legs: %w", len(msgs), err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// legEvent is the wire form of a leg. Raw amounts and USD values are strings
// so consumers never lose precision.
type legEvent struct {
	LegID            string    `json:"leg_id"`
	TxHash           string    `json:"tx_hash"`
	BlockNumber      uint64    `json:"block_number"`
	BlockTime        time.Time `json:"block_time"`
	Side             string    `json:"side"`
	Wallet           string    `json:"wallet"`
	WalletSource     string    `json:"wallet_source"`
	Token            string    `json:"token"`
	TokenIn          string    `json:"token_in"`
	TokenInAmount    string    `json:"token_in_amount"`
	TokenInDecimals  int32     `json:"token_in_decimals"`
	TokenOut         string    `json:"token_out"`
	TokenOutAmount   string    `json:"token_out_amount"`
	TokenOutDecimals int32     `json:"token_out_decimals"`
	PriceUSD         string    `json:"price_usd"`
	NotionalUSD      string    `json:"notional_usd"`
	PriceSource      string    `json:"price_source"`
	Protocol         string    `json:"protocol"`
	IsFee            bool      `json:"is_fee"`
}

func newLegEvent(l *domain.TradeLeg) legEvent {
	return legEvent{
		LegID:            l.LegID,
		TxHash:           l.TxHash,
		BlockNumber:      l.BlockNumber,
		BlockTime:        l.BlockTime.UTC(),
		Side:             string(l.Side),
		Wallet:           l.Wallet,
		WalletSource:     string(l.WalletSource),
		Token:            l.TokenAddress,
		TokenIn:          l.TokenInAddress,
		TokenInAmount:    amountString(l.TokenInAmount),
		TokenInDecimals:  l.TokenInDecimals,
		TokenOut:         l.TokenOutAddress,
		TokenOutAmount:   amountString(l.TokenOutAmount),
		TokenOutDecimals: l.TokenOutDecimals,
		PriceUSD:         l.PriceUSD.String(),
		NotionalUSD:      l.NotionalUSD.String(),
		PriceSource:      string(l.PriceSource),
		Protocol:         l.Protocol,
		IsFee:            l.IsFee,
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
