package exchange

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// UserStreamUpdate is a normalized push update from the optional
// websocket accelerant, used only to shorten the interval before the
// regular REST poll would have noticed the same change (spec.md §9:
// the tick loop remains the source of truth; the stream only wakes it
// up sooner).
type UserStreamUpdate struct {
	OrderID     string
	Status      OrderStatus
	ExecutedQty decimal.Decimal
	ReceivedAt  time.Time
}

// UserStream maintains a reconnecting websocket subscription to
// order-update events. It never blocks the tick loop: callers drain
// Updates() opportunistically, and a stalled or dead stream simply
// means the REST-poll path keeps acting as the source of truth.
type UserStream struct {
	wsURL string

	mu      sync.Mutex
	conn    *websocket.Conn
	updates chan UserStreamUpdate
	stop    chan struct{}
}

// NewUserStream builds a stream against wsURL. Call Run in its own
// goroutine; read Updates() from the tick loop.
func NewUserStream(wsURL string) *UserStream {
	return &UserStream{
		wsURL:   wsURL,
		updates: make(chan UserStreamUpdate, 64),
		stop:    make(chan struct{}),
	}
}

// Updates is the channel the tick loop should select on, never
// blocking if empty.
func (s *UserStream) Updates() <-chan UserStreamUpdate {
	return s.updates
}

// Stop ends the reconnect loop and closes the underlying connection.
func (s *UserStream) Stop() {
	close(s.stop)
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// Run dials and redials the stream until Stop is called, backing off
// between attempts. It is a pure accelerant: every error is logged and
// retried, never surfaced as a fatal condition, since the REST poll
// path in internal/tick never depends on it being connected.
func (s *UserStream) Run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
		if err != nil {
			log.Warn().Err(err).Str("backoff", backoff.String()).Msg("exchange: user stream dial failed")
			select {
			case <-time.After(backoff):
			case <-s.stop:
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		backoff = time.Second
		log.Info().Msg("exchange: user stream connected")

		s.readLoop(conn)

		select {
		case <-s.stop:
			return
		default:
		}
	}
}

func (s *UserStream) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("exchange: user stream read error, reconnecting")
			return
		}

		var frame struct {
			EventType   string `json:"e"`
			OrderID     int64  `json:"i"`
			Status      string `json:"X"`
			ExecutedQty string `json:"z"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Warn().Err(err).Msg("exchange: user stream malformed frame")
			continue
		}
		if frame.EventType != "executionReport" {
			continue
		}

		qty, err := decimal.NewFromString(frame.ExecutedQty)
		if err != nil {
			continue
		}

		update := UserStreamUpdate{
			OrderID:     fmt.Sprintf("%d", frame.OrderID),
			Status:      OrderStatus(frame.Status),
			ExecutedQty: qty,
			ReceivedAt:  time.Now(),
		}
		select {
		case s.updates <- update:
		default:
			// Channel full: the tick loop is behind. Drop rather than
			// block the read loop; the REST poll will catch up.
		}
	}
}
