package signaling

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/juju/ratelimit"

	"github.com/1ureka/peercall/internal/util"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// SDP with many candidates stays well below this.
	maxFrameSize = 64 * 1024

	sendQueueSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServerOptions tunes the relay server. Zero values select the defaults.
type ServerOptions struct {
	// Rate and Burst bound inbound signaling frames per connection.
	Rate  float64
	Burst int64
	// UpgradeRate bounds websocket upgrades across all sessions.
	UpgradeRate float64
}

// Server is the websocket signaling relay. It forwards every frame from one
// participant of a session to the other and emits peer-joined/peer-left.
type Server struct {
	opts     ServerOptions
	engine   *gin.Engine
	upgrades *ratelimit.Bucket

	mu    sync.Mutex
	rooms map[string][]*member

	listener net.Listener
	http     *http.Server
}

type member struct {
	srv     *Server
	session string
	self    Participant
	codec   Codec
	conn    *websocket.Conn
	send    chan []byte
	limiter *ratelimit.Bucket
	done    chan struct{}

	closeOnce sync.Once
}

// SessionInfo is one entry of the /sessions listing.
type SessionInfo struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
}

// NewServer creates a relay server. Call Start to listen, or mount Handler.
func NewServer(opts ServerOptions) *Server {
	if opts.Rate <= 0 {
		opts.Rate = 50
	}
	if opts.Burst <= 0 {
		opts.Burst = 100
	}
	if opts.UpgradeRate <= 0 {
		opts.UpgradeRate = 20
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		opts:     opts,
		engine:   gin.New(),
		upgrades: ratelimit.NewBucketWithRate(opts.UpgradeRate, int64(opts.UpgradeRate)),
		rooms:    make(map[string][]*member),
	}

	s.engine.Use(gin.Recovery(), accessLog)
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/sessions", s.handleSessions)
	s.engine.GET("/ws/:session", s.rateLimit, s.handleWS)
	return s
}

func accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	util.LogDebug("relay %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
}

func (s *Server) rateLimit(c *gin.Context) {
	if s.upgrades.TakeAvailable(1) == 0 {
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}
	c.Next()
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins listening on addr (":0" picks a free port). Returns the
// assigned port number.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start relay server: %w", err)
	}
	s.listener = listener
	s.http = &http.Server{Handler: s.engine}
	port := listener.Addr().(*net.TCPAddr).Port

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("relay server stopped: %v", err)
		}
	}()

	return port, nil
}

// Close shuts down the listener and drops every connected participant.
func (s *Server) Close() {
	if s.http != nil {
		s.http.Close()
	}

	s.mu.Lock()
	var all []*member
	for _, members := range s.rooms {
		all = append(all, members...)
	}
	s.rooms = make(map[string][]*member)
	s.mu.Unlock()

	for _, m := range all {
		m.close()
	}
}

// Sessions lists the active sessions sorted by id.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionInfo, 0, len(s.rooms))
	for id, members := range s.rooms {
		info := SessionInfo{ID: id}
		for _, m := range members {
			info.Participants = append(info.Participants, m.self)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.Sessions())
}

func (s *Server) handleWS(c *gin.Context) {
	sessionID := c.Param("session")
	self := Participant{
		ID:   c.Query("peer"),
		Name: c.Query("name"),
	}
	self.IsTherapist, _ = strconv.ParseBool(c.Query("therapist"))
	if self.ID == "" {
		c.String(http.StatusBadRequest, "missing peer id")
		return
	}
	codec, err := CodecByName(c.Query("codec"))
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	// Cheap check before upgrading; the join below is authoritative.
	if s.admissible(sessionID, self.ID) != nil {
		c.String(http.StatusConflict, ErrSessionFull.Error())
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.LogWarning("relay upgrade failed: %v", err)
		return
	}

	m := &member{
		srv:     s,
		session: sessionID,
		self:    self,
		codec:   codec,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		limiter: ratelimit.NewBucketWithRate(s.opts.Rate, s.opts.Burst),
		done:    make(chan struct{}),
	}

	if err := s.join(m); err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return
	}

	util.LogInfo("participant %s joined session %s", self.ID, sessionID)
	go m.writeThread()
	go m.readThread()
}

func (s *Server) admissible(sessionID, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admissibleLocked(sessionID, peerID)
}

func (s *Server) admissibleLocked(sessionID, peerID string) error {
	members := s.rooms[sessionID]
	if len(members) >= 2 {
		return ErrSessionFull
	}
	for _, m := range members {
		if m.self.ID == peerID {
			return fmt.Errorf("participant %s already joined", peerID)
		}
	}
	return nil
}

// join registers m and exchanges peer-joined with the member already there.
func (s *Server) join(m *member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.admissibleLocked(m.session, m.self.ID); err != nil {
		return err
	}
	for _, other := range s.rooms[m.session] {
		other.deliver(joinedBy(m.session, m.self), "")
		m.deliver(joinedBy(m.session, other.self), "")
	}
	s.rooms[m.session] = append(s.rooms[m.session], m)
	return nil
}

// leave unregisters m and tells the remaining member.
func (s *Server) leave(m *member) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.rooms[m.session]
	remaining := make([]*member, 0, len(members))
	found := false
	for _, other := range members {
		if other == m {
			found = true
			continue
		}
		remaining = append(remaining, other)
	}
	if !found {
		return
	}
	if len(remaining) == 0 {
		delete(s.rooms, m.session)
	} else {
		s.rooms[m.session] = remaining
	}
	for _, other := range remaining {
		other.deliver(PeerLeft{SessionID: m.session, PeerID: m.self.ID}, "")
	}
	util.LogInfo("participant %s left session %s", m.self.ID, m.session)
}

// forward relays msg from m to the other member of its session.
func (s *Server) forward(from *member, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.rooms[from.session] {
		if other != from {
			other.deliver(msg, from.self.ID)
		}
	}
}

// deliver encodes msg with the member's own codec and queues it. A member
// whose queue is full is too slow to keep up and gets disconnected.
func (m *member) deliver(msg Message, from string) {
	data, err := Encode(m.codec, msg, from)
	if err != nil {
		util.LogError("relay encode %s: %v", msg.Type(), err)
		return
	}
	select {
	case m.send <- data:
	default:
		util.LogWarning("participant %s send queue full, disconnecting", m.self.ID)
		go m.close()
	}
}

func (m *member) readThread() {
	defer func() {
		m.srv.leave(m)
		m.close()
	}()

	m.conn.SetReadLimit(maxFrameSize)
	m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPongHandler(func(string) error {
		m.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogWarning("participant %s: %v", m.self.ID, err)
			}
			return
		}

		if m.limiter.TakeAvailable(1) == 0 {
			util.LogWarning("participant %s exceeded signaling rate, frame dropped", m.self.ID)
			continue
		}

		msg, _, err := Decode(m.codec, data)
		if err != nil {
			util.LogWarning("participant %s sent malformed frame: %v", m.self.ID, err)
			continue
		}
		if msg.Session() != m.session {
			util.LogWarning("participant %s sent frame for session %s, dropped", m.self.ID, msg.Session())
			continue
		}
		switch msg.(type) {
		case PeerJoined, PeerLeft:
			// Presence is emitted by the relay only.
			continue
		}
		m.srv.forward(m, msg)
	}
}

func (m *member) writeThread() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		m.conn.Close()
	}()
	for {
		select {
		case <-m.done:
			return
		case data := <-m.send:
			m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(m.codec.FrameType(), data); err != nil {
				return
			}
		case <-ticker.C:
			m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *member) close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.conn.Close()
	})
}
