package syncclient

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
	"github.com/coder/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
)

var (
	errMissingRealtimeURL = errors.New("syncclient: realtime url is required")
	errMissingHandler     = errors.New("syncclient: event handler is required")
)

// EventHandler receives every well-formed realtime event.
type EventHandler func(protocol.RealtimeEvent)

// ListenerConfig describes a realtime Listener.
type ListenerConfig struct {
	URL               string
	Handler           EventHandler
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Logger            *zap.Logger
}

// Listener keeps a websocket open to the realtime channel and reconnects
// with exponential backoff when it drops. Events are hints only; callers
// typically react by triggering a sync round.
type Listener struct {
	url               string
	handler           EventHandler
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	logger            *zap.Logger
}

// NewListener validates cfg and returns a Listener.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	address := strings.TrimSpace(cfg.URL)
	if address == "" {
		return nil, errMissingRealtimeURL
	}
	if cfg.Handler == nil {
		return nil, errMissingHandler
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	maxDelay := cfg.MaxReconnectDelay
	if maxDelay < delay {
		maxDelay = defaultMaxReconnectDelay
		if maxDelay < delay {
			maxDelay = delay
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		url:               address,
		handler:           cfg.Handler,
		reconnectDelay:    delay,
		maxReconnectDelay: maxDelay,
		logger:            logger,
	}, nil
}

// Run listens until ctx ends. Failed dials and dropped connections are
// retried on a capped exponential backoff that restarts after every
// successful connection.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.newBackoff()
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		return backoff.Next()
	})
	return retry.Do(ctx, next, func(ctx context.Context) error {
		connected, err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = l.newBackoff()
		}
		l.logger.Warn("realtime connection lost", zap.Bool("was_connected", connected), zap.Error(err))
		return retry.RetryableError(err)
	})
}

func (l *Listener) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(l.maxReconnectDelay, retry.NewExponential(l.reconnectDelay))
}

func (l *Listener) listenOnce(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, l.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()
	l.logger.Info("realtime connected", zap.String("url", l.url))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		event, err := protocol.DecodeRealtimeEvent(data)
		if err != nil {
			l.logger.Debug("dropping malformed realtime message", zap.Error(err))
			continue
		}
		l.handler(event)
	}
}
