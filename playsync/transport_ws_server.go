package playsync

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

// Relay for the websocket transport. The relay is not a game peer: it
// never decodes envelopes, it only forwards data frames within a session
// and maintains the session roster. Host assignment follows the transport
// contract: first peer to join a session is the host; when the host
// disconnects the relay recomputes the lowest surviving id, which matches
// what every client computes on its own.

type WsRelaySettings struct {
	WriteTimeout time.Duration
	// a peer is disconnected after this much silence.
	// clients ping every `PingTimeout`, so this is effectively
	// `MissedHeartbeatLimit * PingTimeout`.
	HeartbeatInterval    time.Duration
	MissedHeartbeatLimit int
	SendBufferSize       int
}

func DefaultWsRelaySettings() *WsRelaySettings {
	return &WsRelaySettings{
		WriteTimeout:         5 * time.Second,
		HeartbeatInterval:    1 * time.Second,
		MissedHeartbeatLimit: 5,
		SendBufferSize:       64,
	}
}

type WsRelay struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *WsRelaySettings
	upgrader *websocket.Upgrader

	stateLock sync.Mutex
	sessions  map[string]*relaySession
}

type relaySession struct {
	name   string
	peers  map[Id]*relayPeer
	hostId Id
}

type relayPeer struct {
	peerId Id
	outbox chan []byte
	cancel context.CancelFunc
}

func NewWsRelayWithDefaults(ctx context.Context) *WsRelay {
	return NewWsRelay(ctx, DefaultWsRelaySettings())
}

func NewWsRelay(ctx context.Context, settings *WsRelaySettings) *WsRelay {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsRelay{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: &websocket.Upgrader{},
		sessions: map[string]*relaySession{},
	}
}

// ListenAndServe blocks serving websocket upgrades on `/` until the
// context is done. The session name is the `session` query parameter.
func (self *WsRelay) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", self.ServeHTTP)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		select {
		case <-self.ctx.Done():
		}
		server.Close()
	}()
	return server.ListenAndServe()
}

func (self *WsRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionName := r.URL.Query().Get("session")
	if sessionName == "" {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[wr]upgrade error = %s\n", err)
		return
	}
	go self.handle(sessionName, ws)
}

func (self *WsRelay) readTimeout() time.Duration {
	return time.Duration(self.settings.MissedHeartbeatLimit) * self.settings.HeartbeatInterval
}

func (self *WsRelay) handle(sessionName string, ws *websocket.Conn) {
	defer ws.Close()

	// the first frame must be a join that carries the peer id
	ws.SetReadDeadline(time.Now().Add(self.readTimeout()))
	_, joinBytes, err := ws.ReadMessage()
	if err != nil {
		return
	}
	join := &wsFrame{}
	if err := json.Unmarshal(joinBytes, join); err != nil || join.Kind != wsFrameJoin || join.FromId == nil {
		glog.Infof("[wr]bad join for session %s\n", sessionName)
		return
	}
	peerId := *join.FromId

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	peer := &relayPeer{
		peerId: peerId,
		outbox: make(chan []byte, self.settings.SendBufferSize),
		cancel: handleCancel,
	}

	session, peerIds, hostId := self.joinSession(sessionName, peer)
	defer self.leaveSession(sessionName, peer)

	glog.V(1).Infof("[wr]join %s %s\n", sessionName, peerId)

	// write pump
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes, ok := <-peer.outbox:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
					return
				}
			}
		}
	}()

	self.sendFrame(peer, &wsFrame{
		Kind:    wsFrameRoster,
		PeerIds: peerIds,
		HostId:  &hostId,
	})
	self.broadcastFrame(session, peerId, &wsFrame{
		Kind:   wsFrameJoin,
		FromId: &peerId,
	})

	// read pump
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.readTimeout()))
		messageType, frameBytes, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[wr]leave %s %s = %s\n", sessionName, peerId, err)
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(frameBytes) == 0 {
				// heartbeat. Echo so the client read deadline refreshes too.
				self.sendBytes(peer, make([]byte, 0))
				continue
			}
			frame := &wsFrame{}
			if err := json.Unmarshal(frameBytes, frame); err != nil {
				glog.Infof("[wr]bad frame %s %s\n", sessionName, peerId)
				continue
			}
			if frame.Kind != wsFrameData {
				continue
			}
			// stamp the sender so peers cannot spoof each other
			frame.FromId = &peerId
			if frame.ToId != nil {
				self.stateLock.Lock()
				target, ok := session.peers[*frame.ToId]
				self.stateLock.Unlock()
				if ok {
					self.sendFrame(target, frame)
				}
			} else {
				self.broadcastFrame(session, peerId, frame)
			}
		}
	}
}

func (self *WsRelay) joinSession(sessionName string, peer *relayPeer) (*relaySession, []Id, Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	session, ok := self.sessions[sessionName]
	if !ok {
		session = &relaySession{
			name:  sessionName,
			peers: map[Id]*relayPeer{},
		}
		self.sessions[sessionName] = session
	}
	if existing, ok := session.peers[peer.peerId]; ok {
		// reconnect replaces the previous connection
		existing.cancel()
	}
	session.peers[peer.peerId] = peer
	if session.hostId.IsZero() {
		session.hostId = peer.peerId
	}
	return session, maps.Keys(session.peers), session.hostId
}

func (self *WsRelay) leaveSession(sessionName string, peer *relayPeer) {
	peerId := peer.peerId

	self.stateLock.Lock()
	session, ok := self.sessions[sessionName]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	if current, ok := session.peers[peerId]; !ok || current != peer {
		// a reconnect already replaced this connection; the peer stays
		self.stateLock.Unlock()
		return
	}
	delete(session.peers, peerId)
	if len(session.peers) == 0 {
		delete(self.sessions, sessionName)
		self.stateLock.Unlock()
		return
	}
	if session.hostId == peerId {
		session.hostId = ElectHost(maps.Keys(session.peers))
	}
	self.stateLock.Unlock()

	self.broadcastFrame(session, peerId, &wsFrame{
		Kind:   wsFrameLeave,
		FromId: &peerId,
	})
}

func (self *WsRelay) broadcastFrame(session *relaySession, fromId Id, frame *wsFrame) {
	self.stateLock.Lock()
	targets := []*relayPeer{}
	for peerId, peer := range session.peers {
		if peerId != fromId {
			targets = append(targets, peer)
		}
	}
	self.stateLock.Unlock()

	for _, target := range targets {
		self.sendFrame(target, frame)
	}
}

func (self *WsRelay) sendFrame(peer *relayPeer, frame *wsFrame) {
	frameBytes, err := json.Marshal(frame)
	if err != nil {
		return
	}
	self.sendBytes(peer, frameBytes)
}

func (self *WsRelay) sendBytes(peer *relayPeer, frameBytes []byte) {
	select {
	case peer.outbox <- frameBytes:
	default:
		// backpressure. Drop and let the peer resync.
		glog.Infof("[wr]drop %s->\n", peer.peerId)
	}
}

func (self *WsRelay) Close() {
	self.cancel()
}
