package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"opencami/internal/domain"
)

// MessageHandler receives each inbound text message.
type MessageHandler func(data []byte)

// Transport is an open connection to the gateway.
type Transport interface {
	// Send writes one text frame.
	Send(ctx context.Context, data []byte) error
	// SetHandler attaches h to the inbound message stream; nil detaches.
	SetHandler(h MessageHandler)
	// Done is closed once the transport stops delivering messages.
	Done() <-chan struct{}
	// Err reports why the transport stopped. Valid after Done is closed.
	Err() error
	// Close shuts the connection down and waits for the read loop to exit.
	// Calling it again is a no-op.
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

const (
	defaultReadLimit    = 4 << 20
	defaultCloseTimeout = 5 * time.Second
)

// WebSocketDialer dials gateways with nhooyr.io/websocket.
type WebSocketDialer struct {
	HTTPClient   *http.Client
	Header       http.Header
	ReadLimit    int64
	CloseTimeout time.Duration
	Logger       *slog.Logger
}

// Dial blocks until the socket is open. Failures wrap domain.ErrGatewayConnection.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, domain.NewDomainError("Gateway.Open", domain.ErrGatewayConnection, err.Error())
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)

	closeTimeout := d.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = defaultCloseTimeout
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &wsTransport{
		conn:         conn,
		done:         make(chan struct{}),
		closeTimeout: closeTimeout,
		logger:       logger,
	}
	go t.readLoop()
	return t, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	closeTimeout time.Duration
	logger       *slog.Logger

	handlerMu sync.RWMutex
	handler   MessageHandler

	done      chan struct{}
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
	closeErr  error
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return domain.NewDomainError("Gateway.Send", domain.ErrGatewayConnection, err.Error())
	}
	return nil
}

func (t *wsTransport) SetHandler(h MessageHandler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

func (t *wsTransport) Done() <-chan struct{} { return t.done }

func (t *wsTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil && !isClosedError(err) {
			t.closeErr = err
		}
		select {
		case <-t.done:
		case <-time.After(t.closeTimeout):
			t.conn.CloseNow()
			<-t.done
		}
		t.SetHandler(nil)
	})
	return t.closeErr
}

// readLoop delivers frames in arrival order on a single goroutine.
func (t *wsTransport) readLoop() {
	defer close(t.done)
	for {
		typ, data, err := t.conn.Read(context.Background())
		if err != nil {
			t.errMu.Lock()
			if isClosedError(err) {
				t.err = domain.NewDomainError("Gateway.Read", domain.ErrGatewayConnection, "connection closed")
			} else {
				t.err = domain.NewDomainError("Gateway.Read", domain.ErrGatewayConnection, err.Error())
			}
			t.errMu.Unlock()
			return
		}
		if typ != websocket.MessageText {
			t.logger.Debug("gateway: ignoring binary message", "bytes", len(data))
			continue
		}

		t.handlerMu.RLock()
		h := t.handler
		t.handlerMu.RUnlock()
		if h != nil {
			h(data)
		}
	}
}

func isClosedError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}
