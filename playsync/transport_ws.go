package playsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

// websocket transport. Peers connect to a relay (`WsRelay`) that forwards
// frames between the peers of a session. Websocket is TCP-ordered, so
// per-sender ordering holds end to end: sender -> relay -> receiver.

type wsFrameKind string

const (
	wsFrameJoin   wsFrameKind = "join"
	wsFrameLeave  wsFrameKind = "leave"
	wsFrameRoster wsFrameKind = "roster"
	wsFrameData   wsFrameKind = "data"
)

// relay wire frame. The relay stamps FromId on forwarded data frames so a
// peer cannot claim another peer's sender id.
type wsFrame struct {
	Kind    wsFrameKind     `json:"kind"`
	FromId  *Id             `json:"fromId,omitempty"`
	ToId    *Id             `json:"toId,omitempty"`
	PeerIds []Id            `json:"peerIds,omitempty"`
	HostId  *Id             `json:"hostId,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	JoinTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		JoinTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     64,
	}
}

type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	playerId Id
	settings *WsTransportSettings

	outbox chan []byte

	stateLock sync.Mutex
	roster    map[Id]bool
	hostId    Id

	receiveCallbacks   CallbackList[ReceiveFunc]
	peerJoinCallbacks  CallbackList[PeerFunc]
	peerLeaveCallbacks CallbackList[PeerFunc]
}

func NewWsTransportWithDefaults(ctx context.Context, url string) *WsTransport {
	return NewWsTransport(ctx, url, DefaultWsTransportSettings())
}

func NewWsTransport(ctx context.Context, url string, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WsTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		playerId: NewId(),
		settings: settings,
		outbox:   make(chan []byte, settings.SendBufferSize),
		roster:   map[Id]bool{},
	}
	go transport.run()
	return transport
}

func (self *WsTransport) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			playerId := self.playerId
			joinBytes, err := json.Marshal(&wsFrame{
				Kind:   wsFrameJoin,
				FromId: &playerId,
			})
			if err != nil {
				return nil, err
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.JoinTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, joinBytes); err != nil {
				return nil, err
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[wt]connect error %s = %s\n", self.playerId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.handle(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *WsTransport) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes, ok := <-self.outbox:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
					glog.Infof("[wt]%s-> error = %s\n", self.playerId, err)
					return
				}
				glog.V(2).Infof("[wt]%s->\n", self.playerId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, frameBytes, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[wt]%s<- error = %s\n", self.playerId, err)
			return
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(frameBytes) == 0 {
				// pong
				continue
			}
			frame := &wsFrame{}
			if err := json.Unmarshal(frameBytes, frame); err != nil {
				glog.Infof("[wt]bad frame %s<- = %s\n", self.playerId, err)
				continue
			}
			self.handleFrame(frame)
		}
	}
}

func (self *WsTransport) handleFrame(frame *wsFrame) {
	switch frame.Kind {
	case wsFrameRoster:
		self.stateLock.Lock()
		self.roster = map[Id]bool{}
		for _, peerId := range frame.PeerIds {
			self.roster[peerId] = true
		}
		if frame.HostId != nil {
			self.hostId = *frame.HostId
		}
		self.stateLock.Unlock()
	case wsFrameJoin:
		if frame.FromId == nil {
			return
		}
		self.stateLock.Lock()
		self.roster[*frame.FromId] = true
		self.stateLock.Unlock()
		dispatch(self.peerJoinCallbacks.Get(), func(callback PeerFunc) {
			callback(*frame.FromId)
		})
	case wsFrameLeave:
		if frame.FromId == nil {
			return
		}
		self.stateLock.Lock()
		delete(self.roster, *frame.FromId)
		if self.hostId == *frame.FromId {
			// every peer elects the same replacement independently
			survivors := maps.Keys(self.roster)
			survivors = append(survivors, self.playerId)
			self.hostId = ElectHost(survivors)
		}
		self.stateLock.Unlock()
		dispatch(self.peerLeaveCallbacks.Get(), func(callback PeerFunc) {
			callback(*frame.FromId)
		})
	case wsFrameData:
		if frame.FromId == nil {
			return
		}
		dispatch(self.receiveCallbacks.Get(), func(callback ReceiveFunc) {
			callback(*frame.FromId, frame.Data)
		})
	}
}

func (self *WsTransport) Send(message []byte, peerIds ...Id) bool {
	frames := [][]byte{}
	if len(peerIds) == 0 {
		frameBytes, err := json.Marshal(&wsFrame{
			Kind: wsFrameData,
			Data: message,
		})
		if err != nil {
			return false
		}
		frames = append(frames, frameBytes)
	} else {
		for _, peerId := range peerIds {
			toId := peerId
			frameBytes, err := json.Marshal(&wsFrame{
				Kind: wsFrameData,
				ToId: &toId,
				Data: message,
			})
			if err != nil {
				return false
			}
			frames = append(frames, frameBytes)
		}
	}

	ok := true
	for _, frameBytes := range frames {
		select {
		case <-self.ctx.Done():
			ok = false
		case self.outbox <- frameBytes:
		default:
			// full
			glog.Infof("[wt]drop %s->\n", self.playerId)
			ok = false
		}
	}
	return ok
}

func (self *WsTransport) AddReceiveCallback(receiveCallback ReceiveFunc) func() {
	return self.receiveCallbacks.Add(receiveCallback)
}

func (self *WsTransport) AddPeerJoinCallback(peerJoinCallback PeerFunc) func() {
	return self.peerJoinCallbacks.Add(peerJoinCallback)
}

func (self *WsTransport) AddPeerLeaveCallback(peerLeaveCallback PeerFunc) func() {
	return self.peerLeaveCallbacks.Add(peerLeaveCallback)
}

func (self *WsTransport) IsHost() bool {
	return self.HostId() == self.playerId
}

func (self *WsTransport) PlayerId() Id {
	return self.playerId
}

func (self *WsTransport) HostId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.hostId
}

func (self *WsTransport) Peers() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	peerIds := maps.Keys(self.roster)
	if !self.roster[self.playerId] {
		peerIds = append(peerIds, self.playerId)
	}
	return peerIds
}

func (self *WsTransport) Close() {
	self.cancel()
}
