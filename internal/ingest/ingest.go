// Package ingest owns the broker websocket connection lifecycle: connect,
// subscribe, read binary frames, and reconnect with exponential backoff on
// any disconnect.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"flexitrade/internal/decoder"
	"flexitrade/internal/model"
)

// Config holds everything needed to open and authenticate the broker feed
// connection for the broker's inbound binary tick feed.
type Config struct {
	URL        url.URL
	AuthToken  string
	APIKey     string
	ClientCode string
	FeedToken  string
	Mode       int // 1=LTP, 2=QUOTE, 3=FULL
	Tokens     []TokenGroup

	BaseBackoff time.Duration // default 1s
	MaxBackoff  time.Duration // default 30s
	IdleTimeout time.Duration // default 60s
}

// TokenGroup mirrors the subscribe frame's {exchangeType, tokens} shape.
type TokenGroup struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// TokenResolverFn adapts a plain func to decoder.TokenResolver.
type TokenResolverFn func(token string) (string, bool)

func (f TokenResolverFn) Resolve(token string) (string, bool) { return f(token) }

type subscribeFrame struct {
	CorrelationID string `json:"correlationID"`
	Action        int    `json:"action"`
	Params        struct {
		Mode      int          `json:"mode"`
		TokenList []TokenGroup `json:"tokenList"`
	} `json:"params"`
}

// Ingest runs the connect/subscribe/read/reconnect loop for one broker feed
// connection.
type Ingest struct {
	cfg    Config
	log    *slog.Logger
	tokens decoder.TokenResolver

	OnReconnect func()
	OnTick      func(model.Tick)
}

// New constructs an Ingest from cfg. tokens resolves broker tokens to
// trading symbols, loaded once at startup as an immutable map.
func New(cfg Config, tokens decoder.TokenResolver, log *slog.Logger) *Ingest {
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Ingest{cfg: cfg, tokens: tokens, log: log}
}

// Start connects and streams ticks into tickCh until ctx is cancelled,
// reconnecting with exponential backoff + jitter on every disconnect. It
// never returns until ctx.Done(), matching the component's "never suspends
// the websocket indefinitely" contract.
func (ing *Ingest) Start(ctx context.Context, tickCh chan<- model.Tick) error {
	backoff := ing.cfg.BaseBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := ing.runOnce(ctx, tickCh)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			ing.log.Warn("ingest: connection error, reconnecting", "err", err, "backoff", backoff)
		}
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > ing.cfg.MaxBackoff {
			backoff = ing.cfg.MaxBackoff
		}
	}
}

// jitter applies ±20% randomization to a backoff duration.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

func (ing *Ingest) runOnce(ctx context.Context, tickCh chan<- model.Tick) error {
	header := http.Header{}
	header.Set("Authorization", ing.cfg.AuthToken)
	header.Set("x-api-key", ing.cfg.APIKey)
	header.Set("x-client-code", ing.cfg.ClientCode)
	header.Set("x-feed-token", ing.cfg.FeedToken)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ing.cfg.URL.String(), header)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := ing.subscribe(conn); err != nil {
		return err
	}
	ing.log.Info("ingest: subscribed", "mode", ing.cfg.Mode, "groups", len(ing.cfg.Tokens))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(ing.cfg.IdleTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue // control/text frames (pong) are ignored by the reader
		}

		tick, derr := decoder.Decode(data, ing.tokens)
		if derr != nil {
			if derr != decoder.ErrControlFrame {
				ing.log.Debug("ingest: frame decode error", "err", derr)
			}
			continue
		}

		if ing.OnTick != nil {
			ing.OnTick(tick)
		}

		select {
		case tickCh <- tick:
		default:
			ing.log.Warn("ingest: tick channel full, dropping tick", "symbol", tick.TradingSymbol)
		}
	}
}

func (ing *Ingest) subscribe(conn *websocket.Conn) error {
	frame := subscribeFrame{CorrelationID: "flexitrade-ingest", Action: 1}
	frame.Params.Mode = ing.cfg.Mode
	frame.Params.TokenList = ing.cfg.Tokens
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
