package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/router"
	"github.com/gammazero/nexus/v3/wamp"

	"github.com/1ureka/peercall/internal/util"
)

// Compile-time interface check.
var _ Relay = (*WAMPRelay)(nil)

// TopicPrefix is prepended to the session id to form the pub/sub topic.
const TopicPrefix = "peercall.session."

// WAMPRelay is a Relay over a WAMP router. Both participants subscribe to the
// session topic and publish envelopes to it. There is no server-side room, so
// presence is built from announcements: each participant publishes a
// peer-joined describing itself on join, and answers the first announcement
// of a newcomer with its own.
type WAMPRelay struct {
	cli     *client.Client
	codec   Codec
	topic   string
	session string
	self    Participant
	inbox   *mailbox

	mu   sync.Mutex
	peer string // id of the other participant once announced

	closeOnce sync.Once
}

// DialWAMP connects to the router at routerURL (ws:// or wss://), joins realm
// and enters sessionID as self.
func DialWAMP(ctx context.Context, routerURL, realm, sessionID string, self Participant, codec Codec) (*WAMPRelay, error) {
	cfg := client.Config{
		Realm:           realm,
		ResponseTimeout: 10 * time.Second,
		Logger:          util.StdLogger{Prefix: "wamp"},
	}
	cli, err := client.ConnectNet(ctx, routerURL, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WAMP router: %w", err)
	}
	return joinWAMP(cli, sessionID, self, codec)
}

// JoinWAMPLocal enters sessionID through an in-process router.
func JoinWAMPLocal(r router.Router, realm, sessionID string, self Participant, codec Codec) (*WAMPRelay, error) {
	cfg := client.Config{
		Realm:  realm,
		Logger: util.StdLogger{Prefix: "wamp"},
	}
	cli, err := client.ConnectLocal(r, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to join local WAMP router: %w", err)
	}
	return joinWAMP(cli, sessionID, self, codec)
}

func joinWAMP(cli *client.Client, sessionID string, self Participant, codec Codec) (*WAMPRelay, error) {
	r := &WAMPRelay{
		cli:     cli,
		codec:   codec,
		topic:   TopicPrefix + sessionID,
		session: sessionID,
		self:    self,
		inbox:   newMailbox(),
	}

	if err := cli.Subscribe(r.topic, r.onEvent, nil); err != nil {
		cli.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.topic, err)
	}
	if err := r.publish(joinedBy(sessionID, self)); err != nil {
		cli.Close()
		return nil, err
	}

	go func() {
		<-cli.Done()
		r.inbox.close()
	}()
	return r, nil
}

func (r *WAMPRelay) publish(msg Message) error {
	data, err := Encode(r.codec, msg, r.self.ID)
	if err != nil {
		return err
	}
	// Binary payloads are not portable across WAMP serializers, so CBOR
	// frames travel as []byte and JSON frames as text.
	var arg interface{} = data
	if r.codec == JSON {
		arg = string(data)
	}
	if err := r.cli.Publish(r.topic, nil, wamp.List{arg}, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (r *WAMPRelay) onEvent(event *wamp.Event) {
	if len(event.Arguments) != 1 {
		util.LogWarning("wamp event with %d arguments dropped", len(event.Arguments))
		return
	}
	var data []byte
	switch v := event.Arguments[0].(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		util.LogWarning("wamp event with %T payload dropped", v)
		return
	}

	msg, from, err := Decode(r.codec, data)
	if err != nil {
		util.LogWarning("dropping malformed signaling event: %v", err)
		return
	}
	if from == r.self.ID {
		return
	}

	switch m := msg.(type) {
	case PeerJoined:
		if !r.admit(m.PeerID) {
			return
		}
		r.inbox.put(m)
		// Let the newcomer learn about us; duplicates are ignored on its side.
		if err := r.publish(joinedBy(r.session, r.self)); err != nil {
			util.LogWarning("wamp presence reply failed: %v", err)
		}
	case PeerLeft:
		r.mu.Lock()
		known := r.peer == m.PeerID
		if known {
			r.peer = ""
		}
		r.mu.Unlock()
		if known {
			r.inbox.put(m)
		}
	default:
		r.mu.Lock()
		known := r.peer == "" || r.peer == from
		r.mu.Unlock()
		if !known {
			util.LogWarning("signaling from third participant %s dropped", from)
			return
		}
		r.inbox.put(msg)
	}
}

// admit records peerID as the other participant. It returns false for an
// already known peer and for a third participant.
func (r *WAMPRelay) admit(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.peer {
	case "":
		r.peer = peerID
		return true
	case peerID:
		return false
	default:
		util.LogWarning("session %s already has a peer, ignoring %s", r.session, peerID)
		return false
	}
}

// Send implements Relay.
func (r *WAMPRelay) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.publish(msg)
}

// Receive implements Relay.
func (r *WAMPRelay) Receive() <-chan Message {
	return r.inbox.out
}

// Close announces peer-left and disconnects from the router.
func (r *WAMPRelay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if perr := r.publish(PeerLeft{SessionID: r.session, PeerID: r.self.ID}); perr != nil {
			util.LogDebug("wamp peer-left not published: %v", perr)
		}
		err = r.cli.Close()
		r.inbox.close()
	})
	return err
}
