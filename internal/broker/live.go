package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/pquerna/otp/totp"

	"flexitrade/internal/decoder"
	"flexitrade/internal/ingest"
	"flexitrade/internal/markethours"
	"flexitrade/internal/model"
	"flexitrade/pkg/smartconnect"
)

// LiveConfig carries the credentials needed to complete the broker session
// handshake ahead of opening the websocket. Order placement
// fields are intentionally absent: that collaborator stays external.
type LiveConfig struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string

	WSURL url.URL
	Mode  int // 1=LTP, 2=QUOTE, 3=FULL
	Exchanges []ingest.TokenGroup

	AuthRetries int           // default 3, 10s HTTP timeout per request
	AuthBackoff time.Duration // default 5s
}

// Live is the Capability implementation backed by a real broker session:
// TOTP-completed REST login followed by a gorilla/websocket binary feed.
type Live struct {
	cfg    LiveConfig
	tokens decoder.TokenResolver
	log    *slog.Logger
}

// NewLive constructs a Live capability. tokens resolves broker tokens to
// trading symbols for the decoder.
func NewLive(cfg LiveConfig, tokens decoder.TokenResolver, log *slog.Logger) *Live {
	if cfg.AuthRetries == 0 {
		cfg.AuthRetries = 3
	}
	if cfg.AuthBackoff == 0 {
		cfg.AuthBackoff = 5 * time.Second
	}
	return &Live{cfg: cfg, tokens: tokens, log: log}
}

// login performs the TOTP-completed session handshake, retrying with a
// fixed timeout policy (10s HTTP timeout per request, AuthRetries attempts
// defaulting to 3, AuthBackoff between attempts defaulting to 5s).
func (l *Live) login(ctx context.Context) (authToken, feedToken string, err error) {
	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: l.cfg.APIKey, Timeout: 10 * time.Second})

	for attempt := 1; attempt <= l.cfg.AuthRetries; attempt++ {
		code, terr := totp.GenerateCode(l.cfg.TOTPSecret, time.Now())
		if terr != nil {
			err = fmt.Errorf("broker: totp generation: %w", terr)
		} else {
			resp, lerr := sc.GenerateSession(l.cfg.ClientCode, l.cfg.Password, code)
			if lerr != nil {
				err = fmt.Errorf("broker: login attempt %d: %w", attempt, lerr)
			} else {
				feedToken = sc.GetFeedToken()
				if data, ok := resp["data"].(map[string]any); ok {
					if jwt, ok := data["jwtToken"].(string); ok {
						authToken = jwt
					}
				}
				if feedToken != "" && authToken != "" {
					return authToken, feedToken, nil
				}
				err = fmt.Errorf("broker: login attempt %d: empty session tokens", attempt)
			}
		}

		if attempt == l.cfg.AuthRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(l.cfg.AuthBackoff):
		}
	}
	return "", "", fmt.Errorf("broker: authentication failed after %d attempts: %w", l.cfg.AuthRetries, err)
}

// waitForPreOpen blocks until the pre-market warm-up window (9:10 AM IST,
// ADR-006) if the market isn't already open, so login doesn't mint a
// session hours before the feed token would be used.
func (l *Live) waitForPreOpen(ctx context.Context) error {
	now := time.Now()
	if markethours.IsMarketOpen(now) {
		return nil
	}
	preOpen := markethours.NextPreOpen(now)
	wait := preOpen.Sub(now)
	if wait <= 0 {
		return nil
	}
	if l.log != nil {
		l.log.Info("broker: market closed, waiting for pre-open warm-up",
			"status", markethours.StatusString(now), "pre_open", preOpen.In(markethours.IST).Format("Mon 15:04"),
			"wait", wait.Truncate(time.Second))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// waitForWSConnect blocks until markethours.WSConnectTime (9:14 AM IST,
// one minute ahead of open) unless the market is already open.
func (l *Live) waitForWSConnect(ctx context.Context) error {
	now := time.Now()
	if markethours.IsMarketOpen(now) {
		return nil
	}
	connectAt := markethours.WSConnectTime(markethours.NextOpen(now))
	wait := markethours.TimeUntilOpen(now) - time.Duration(markethours.WSConnectMinutesBefore)*time.Minute
	if wait <= 0 {
		return nil
	}
	if l.log != nil {
		l.log.Info("broker: waiting to connect websocket",
			"connect_at", connectAt.In(markethours.IST).Format("15:04"), "wait", wait.Truncate(time.Second))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// Connect completes the session handshake and streams ticks until ctx is
// cancelled. Outside trading hours it waits for the pre-open warm-up
// window before logging in, and for the WS-connect window before dialing,
// matching the reference production gating (pre-open login, connect WS
// 1 minute ahead of open).
func (l *Live) Connect(ctx context.Context, tickCh chan<- model.Tick) error {
	if err := l.waitForPreOpen(ctx); err != nil {
		return err
	}

	authToken, feedToken, err := l.login(ctx)
	if err != nil {
		return err
	}

	if err := l.waitForWSConnect(ctx); err != nil {
		return err
	}

	ic := ingest.Config{
		URL:        l.cfg.WSURL,
		AuthToken:  authToken,
		APIKey:     l.cfg.APIKey,
		ClientCode: l.cfg.ClientCode,
		FeedToken:  feedToken,
		Mode:       l.cfg.Mode,
		Tokens:     l.cfg.Exchanges,
	}
	ing := ingest.New(ic, l.tokens, l.log)
	return ing.Start(ctx, tickCh)
}

// FetchHistory is not wired to a real endpoint in this tree; the
// Aggregator's backfill path calls through CandleReader/SQL store instead,
// so this satisfies the capability surface without duplicating that logic.
func (l *Live) FetchHistory(ctx context.Context, req HistoryRequest) ([]HistoryBar, error) {
	return nil, fmt.Errorf("broker: FetchHistory not implemented; use the candle store for backfill")
}

func (l *Live) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	return OrderResult{}, ErrOutOfScope
}

func (l *Live) CancelOrder(ctx context.Context, orderID string) error {
	return ErrOutOfScope
}
