package kraken

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/krakenperp/errs"
	"github.com/coachpo/krakenperp/internal/observability"
)

type wsSubscription struct {
	Feed       string
	ProductIDs []string
}

type wsRequest struct {
	Event             string   `json:"event"`
	Feed              string   `json:"feed,omitempty"`
	ProductIDs        []string `json:"product_ids,omitempty"`
	APIKey            string   `json:"api_key,omitempty"`
	OriginalChallenge string   `json:"original_challenge,omitempty"`
	SignedChallenge   string   `json:"signed_challenge,omitempty"`
}

type wsControl struct {
	Event   string `json:"event"`
	Message string `json:"message"`
	Feed    string `json:"feed"`
}

type wsMessageHandler func(ctx context.Context, data []byte) error

// wsSession is one WebSocket connection. It does not reconnect; the owning stream loop
// dials a fresh session after a failure.
type wsSession struct {
	url              string
	auth             Authenticator
	handshakeTimeout time.Duration
	logger           observability.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	challenge string
	signed    string
}

func dialSession(ctx context.Context, url string, auth Authenticator, handshakeTimeout time.Duration, logger observability.Logger) (*wsSession, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Transport(exchangeName, err, errs.WithMessage("dial "+url))
	}
	conn.SetReadLimit(defaultReadLimit)
	return &wsSession{
		url:              url,
		auth:             auth,
		handshakeTimeout: handshakeTimeout,
		logger:           logger,
		conn:             conn,
	}, nil
}

// authenticate runs the challenge handshake. Private subscriptions carry the signed
// challenge afterwards.
func (s *wsSession) authenticate(ctx context.Context) error {
	if s.auth == nil {
		return errs.New(exchangeName, errs.CodeAuth, errs.WithMessage("credentials required for private feeds"))
	}
	hsCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()
	if err := s.write(hsCtx, wsRequest{Event: "challenge", APIKey: s.auth.APIKey()}); err != nil {
		return err
	}
	for {
		_, data, err := s.conn.Read(hsCtx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errs.New(exchangeName, errs.CodeAuth, errs.WithMessage("challenge handshake"), errs.WithCause(err))
		}
		var ctrl wsControl
		if err := json.Unmarshal(data, &ctrl); err != nil {
			continue
		}
		switch ctrl.Event {
		case "challenge":
			if strings.TrimSpace(ctrl.Message) == "" {
				return errs.New(exchangeName, errs.CodeAuth, errs.WithMessage("empty challenge"))
			}
			signed, err := s.auth.SignChallenge(ctrl.Message)
			if err != nil {
				return errs.New(exchangeName, errs.CodeAuth, errs.WithMessage("sign challenge"), errs.WithCause(err))
			}
			s.challenge, s.signed = ctrl.Message, signed
			return nil
		case "error", "alert":
			return errs.New(exchangeName, errs.CodeAuth, errs.WithMessage("challenge rejected"), errs.WithRawMessage(ctrl.Message))
		}
	}
}

func (s *wsSession) subscribe(ctx context.Context, subs ...wsSubscription) error {
	return s.control(ctx, "subscribe", subs)
}

func (s *wsSession) unsubscribe(ctx context.Context, subs ...wsSubscription) error {
	return s.control(ctx, "unsubscribe", subs)
}

func (s *wsSession) control(ctx context.Context, event string, subs []wsSubscription) error {
	for _, sub := range subs {
		req := wsRequest{Event: event, Feed: sub.Feed, ProductIDs: sub.ProductIDs}
		if s.signed != "" {
			req.APIKey = s.auth.APIKey()
			req.OriginalChallenge = s.challenge
			req.SignedChallenge = s.signed
		}
		if err := s.write(ctx, req); err != nil {
			return fmt.Errorf("%s %s: %w", event, sub.Feed, err)
		}
		s.logger.Debug("websocket control sent", observability.F("event", event), observability.F("feed", sub.Feed),
			observability.F("products", len(sub.ProductIDs)))
	}
	return nil
}

func (s *wsSession) write(ctx context.Context, req wsRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", req.Event, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.Transport(exchangeName, err, errs.WithMessage("write "+req.Event))
	}
	return nil
}

// run reads until the connection fails, handler returns an error or ctx ends. A ping
// loop runs alongside the reader.
func (s *wsSession) run(ctx context.Context, handler wsMessageHandler) error {
	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		for {
			_, data, err := s.conn.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errs.Transport(exchangeName, err, errs.WithMessage("read websocket"))
			}
			if err := handler(ctx, data); err != nil {
				return err
			}
		}
	})
	p.Go(func(ctx context.Context) error {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
				err := s.conn.Ping(pingCtx)
				cancel()
				if err != nil && ctx.Err() == nil {
					return errs.Transport(exchangeName, err, errs.WithMessage("ping"))
				}
			}
		}
	})
	err := p.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *wsSession) close() {
	_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
}
