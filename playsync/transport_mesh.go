package playsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// peer-mesh transport. Every pair of peers is connected by two directed
// links, each with its own FIFO queue and optional delivery delay. Per-link
// FIFO preserves per-sender ordering while different links race each
// other, which is exactly the delivery model of a real peer mesh. Used to
// exercise migration and resync under slow or lossy links.

type MeshSettings struct {
	// delivery delay per directed link. nil means immediate.
	Latency func(fromId Id, toId Id) time.Duration
	// drop decision per message. nil means no loss.
	Drop func(fromId Id, toId Id, message []byte) bool
	// queued messages per directed link
	LinkQueueSize int
}

func DefaultMeshSettings() *MeshSettings {
	return &MeshSettings{
		LinkQueueSize: 256,
	}
}

type meshLinkKey struct {
	fromId Id
	toId   Id
}

type Mesh struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *MeshSettings

	stateLock  sync.Mutex
	transports map[Id]*MeshTransport
	links      map[meshLinkKey]chan *localDelivery
	hostId     Id
}

func NewMesh(ctx context.Context, settings *MeshSettings) *Mesh {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Mesh{
		ctx:        cancelCtx,
		cancel:     cancel,
		settings:   settings,
		transports: map[Id]*MeshTransport{},
		links:      map[meshLinkKey]chan *localDelivery{},
	}
}

func (self *Mesh) Connect(ctx context.Context) *MeshTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &MeshTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		mesh:     self,
		playerId: NewId(),
		inbox:    make(chan *localDelivery, TransportInboxSize),
	}
	go transport.run()

	self.stateLock.Lock()
	for peerId := range self.transports {
		self.openLink(transport.playerId, peerId)
		self.openLink(peerId, transport.playerId)
	}
	self.transports[transport.playerId] = transport
	if self.hostId.IsZero() {
		self.hostId = transport.playerId
	}
	others := maps.Values(self.transports)
	self.stateLock.Unlock()

	for _, other := range others {
		if other.playerId != transport.playerId {
			other.deliver(&localDelivery{
				kind:   localPeerJoin,
				peerId: transport.playerId,
			})
		}
	}
	return transport
}

// locked
func (self *Mesh) openLink(fromId Id, toId Id) {
	key := meshLinkKey{fromId: fromId, toId: toId}
	queue := make(chan *localDelivery, self.settings.LinkQueueSize)
	self.links[key] = queue
	go self.runLink(key, queue)
}

func (self *Mesh) runLink(key meshLinkKey, queue chan *localDelivery) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case delivery := <-queue:
			if self.settings.Latency != nil {
				if latency := self.settings.Latency(key.fromId, key.toId); 0 < latency {
					select {
					case <-self.ctx.Done():
						return
					case <-time.After(latency):
					}
				}
			}
			self.stateLock.Lock()
			target, ok := self.transports[key.toId]
			self.stateLock.Unlock()
			if ok {
				target.deliver(delivery)
			}
		}
	}
}

func (self *Mesh) disconnect(playerId Id) {
	self.stateLock.Lock()
	if _, ok := self.transports[playerId]; !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.transports, playerId)
	for key := range self.links {
		if key.fromId == playerId || key.toId == playerId {
			delete(self.links, key)
		}
	}
	if self.hostId == playerId {
		self.hostId = ElectHost(maps.Keys(self.transports))
	}
	others := maps.Values(self.transports)
	self.stateLock.Unlock()

	for _, other := range others {
		other.deliver(&localDelivery{
			kind:   localPeerLeave,
			peerId: playerId,
		})
	}
}

func (self *Mesh) Close() {
	self.cancel()
}

type MeshTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	mesh     *Mesh
	playerId Id
	inbox    chan *localDelivery

	receiveCallbacks   CallbackList[ReceiveFunc]
	peerJoinCallbacks  CallbackList[PeerFunc]
	peerLeaveCallbacks CallbackList[PeerFunc]
}

func (self *MeshTransport) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case delivery := <-self.inbox:
			switch delivery.kind {
			case localMessage:
				dispatch(self.receiveCallbacks.Get(), func(callback ReceiveFunc) {
					callback(delivery.peerId, delivery.message)
				})
			case localPeerJoin:
				dispatch(self.peerJoinCallbacks.Get(), func(callback PeerFunc) {
					callback(delivery.peerId)
				})
			case localPeerLeave:
				dispatch(self.peerLeaveCallbacks.Get(), func(callback PeerFunc) {
					callback(delivery.peerId)
				})
			}
		}
	}
}

func (self *MeshTransport) deliver(delivery *localDelivery) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.inbox <- delivery:
		return true
	default:
		return false
	}
}

func (self *MeshTransport) Send(message []byte, peerIds ...Id) bool {
	self.mesh.stateLock.Lock()
	if len(peerIds) == 0 {
		for peerId := range self.mesh.transports {
			if peerId != self.playerId {
				peerIds = append(peerIds, peerId)
			}
		}
	}
	queues := []chan *localDelivery{}
	for _, peerId := range peerIds {
		if self.mesh.settings.Drop != nil && self.mesh.settings.Drop(self.playerId, peerId, message) {
			continue
		}
		if queue, ok := self.mesh.links[meshLinkKey{fromId: self.playerId, toId: peerId}]; ok {
			queues = append(queues, queue)
		}
	}
	self.mesh.stateLock.Unlock()

	ok := true
	for _, queue := range queues {
		select {
		case queue <- &localDelivery{
			kind:    localMessage,
			peerId:  self.playerId,
			message: message,
		}:
		default:
			ok = false
		}
	}
	return ok
}

func (self *MeshTransport) AddReceiveCallback(receiveCallback ReceiveFunc) func() {
	return self.receiveCallbacks.Add(receiveCallback)
}

func (self *MeshTransport) AddPeerJoinCallback(peerJoinCallback PeerFunc) func() {
	return self.peerJoinCallbacks.Add(peerJoinCallback)
}

func (self *MeshTransport) AddPeerLeaveCallback(peerLeaveCallback PeerFunc) func() {
	return self.peerLeaveCallbacks.Add(peerLeaveCallback)
}

func (self *MeshTransport) IsHost() bool {
	return self.HostId() == self.playerId
}

func (self *MeshTransport) PlayerId() Id {
	return self.playerId
}

func (self *MeshTransport) HostId() Id {
	self.mesh.stateLock.Lock()
	defer self.mesh.stateLock.Unlock()

	return self.mesh.hostId
}

func (self *MeshTransport) Peers() []Id {
	self.mesh.stateLock.Lock()
	defer self.mesh.stateLock.Unlock()

	return maps.Keys(self.mesh.transports)
}

func (self *MeshTransport) Close() {
	self.mesh.disconnect(self.playerId)
	self.cancel()
}
