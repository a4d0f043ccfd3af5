package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peercall/internal/util"
)

// Compile-time interface check.
var _ Relay = (*WSRelay)(nil)

// WSRelay is a Relay backed by a websocket connection to a relay Server.
type WSRelay struct {
	conn    *websocket.Conn
	codec   Codec
	session string
	self    Participant

	mu    sync.Mutex // guards writes to conn
	inbox *mailbox

	closeOnce sync.Once
}

// DialWS joins sessionID on the relay at baseURL (ws:// or wss://) as self.
func DialWS(ctx context.Context, baseURL, sessionID string, self Participant, codec Codec) (*WSRelay, error) {
	u, err := wsSessionURL(baseURL, sessionID, self, codec)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, ErrSessionFull
		}
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	r := &WSRelay{
		conn:    conn,
		codec:   codec,
		session: sessionID,
		self:    self,
		inbox:   newMailbox(),
	}
	go r.watch()
	return r, nil
}

func wsSessionURL(baseURL, sessionID string, self Participant, codec Codec) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	u.Path = "/ws/" + url.PathEscape(sessionID)
	q := u.Query()
	q.Set("peer", self.ID)
	q.Set("name", self.Name)
	q.Set("therapist", strconv.FormatBool(self.IsTherapist))
	q.Set("codec", codec.Name())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// watch decodes inbound frames until the connection fails, then closes the
// inbox so the consumer sees the loss.
func (r *WSRelay) watch() {
	defer r.inbox.close()
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation {
				util.LogWarning("relay rejected session %s: %s", r.session, ce.Text)
			} else {
				util.LogDebug("relay read ended: %v", err)
			}
			return
		}

		msg, from, err := Decode(r.codec, data)
		if err != nil {
			util.LogWarning("dropping malformed signaling frame: %v", err)
			continue
		}
		if from == r.self.ID {
			continue
		}
		r.inbox.put(msg)
	}
}

// Send implements Relay. The context only bounds waiting for the write lock.
func (r *WSRelay) Send(ctx context.Context, msg Message) error {
	data, err := Encode(r.codec, msg, r.self.ID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = r.conn.SetWriteDeadline(dl)
		defer r.conn.SetWriteDeadline(time.Time{})
	}
	if err := r.conn.WriteMessage(r.codec.FrameType(), data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Receive implements Relay.
func (r *WSRelay) Receive() <-chan Message {
	return r.inbox.out
}

// Close sends a normal close frame and drops the connection. The relay
// announces peer-left to the other participant.
func (r *WSRelay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		_ = r.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		r.mu.Unlock()
		err = r.conn.Close()
		r.inbox.close()
	})
	return err
}
