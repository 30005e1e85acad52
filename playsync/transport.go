package playsync

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Transport moves opaque messages between session peers and tracks the
// peer roster. Guarantees required by the runtime:
//   - messages from one sender arrive in send order
//   - no ordering across senders (the runtime imposes its own total order
//     via host receipt order and patch sequence numbers)
//   - the first peer to join a session is the host; on host disconnect
//     every peer independently elects the lowest surviving peer id

const TransportInboxSize = 1024

type ReceiveFunc func(senderId Id, message []byte)

type PeerFunc func(peerId Id)

type Transport interface {
	// sends to the given peers, or broadcasts to all other peers when
	// none are given. Returns false if the message could not be queued.
	Send(message []byte, peerIds ...Id) bool
	AddReceiveCallback(receiveCallback ReceiveFunc) func()
	AddPeerJoinCallback(peerJoinCallback PeerFunc) func()
	AddPeerLeaveCallback(peerLeaveCallback PeerFunc) func()
	IsHost() bool
	PlayerId() Id
	HostId() Id
	// all connected peers including the local peer
	Peers() []Id
	Close()
}

// ElectHost returns the replacement host for a surviving peer set: the
// lowest peer id. A pure function of the peer set, so disconnected peers
// converge on the same host with no coordinator round-trip.
func ElectHost(peerIds []Id) Id {
	elected := Id{}
	for _, peerId := range peerIds {
		if elected.IsZero() || peerId.LessThan(elected) {
			elected = peerId
		}
	}
	return elected
}

// in-process transport. All peers connect to one hub in the same process.
// Delivery is asynchronous through a per-peer inbox, mirroring how a
// network transport hands messages to a callback off the sender's stack.

type LocalHub struct {
	stateLock  sync.Mutex
	transports map[Id]*LocalTransport
	hostId     Id
}

func NewLocalHub() *LocalHub {
	return &LocalHub{
		transports: map[Id]*LocalTransport{},
	}
}

func (self *LocalHub) Connect(ctx context.Context) *LocalTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &LocalTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		hub:      self,
		playerId: NewId(),
		inbox:    make(chan *localDelivery, TransportInboxSize),
	}
	go transport.run()

	self.stateLock.Lock()
	self.transports[transport.playerId] = transport
	if self.hostId.IsZero() {
		// first peer to join is the host
		self.hostId = transport.playerId
	}
	others := self.otherTransports(transport.playerId)
	self.stateLock.Unlock()

	for _, other := range others {
		other.deliver(&localDelivery{
			kind:   localPeerJoin,
			peerId: transport.playerId,
		})
	}
	return transport
}

func (self *LocalHub) otherTransports(playerId Id) []*LocalTransport {
	others := []*LocalTransport{}
	for peerId, transport := range self.transports {
		if peerId != playerId {
			others = append(others, transport)
		}
	}
	return others
}

func (self *LocalHub) disconnect(playerId Id) {
	self.stateLock.Lock()
	if _, ok := self.transports[playerId]; !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.transports, playerId)
	if self.hostId == playerId {
		self.hostId = ElectHost(maps.Keys(self.transports))
	}
	others := self.otherTransports(playerId)
	self.stateLock.Unlock()

	for _, other := range others {
		other.deliver(&localDelivery{
			kind:   localPeerLeave,
			peerId: playerId,
		})
	}
}

type localDeliveryKind int

const (
	localMessage localDeliveryKind = iota
	localPeerJoin
	localPeerLeave
)

type localDelivery struct {
	kind    localDeliveryKind
	peerId  Id
	message []byte
}

type LocalTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	hub      *LocalHub
	playerId Id
	inbox    chan *localDelivery

	receiveCallbacks   CallbackList[ReceiveFunc]
	peerJoinCallbacks  CallbackList[PeerFunc]
	peerLeaveCallbacks CallbackList[PeerFunc]
}

func (self *LocalTransport) run() {
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

func (self *LocalTransport) deliver(delivery *localDelivery) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.inbox <- delivery:
		return true
	default:
		glog.Infof("[lt]drop %s<-\n", self.playerId)
		return false
	}
}

func (self *LocalTransport) Send(message []byte, peerIds ...Id) bool {
	self.hub.stateLock.Lock()
	var targets []*LocalTransport
	if len(peerIds) == 0 {
		targets = self.hub.otherTransports(self.playerId)
	} else {
		for _, peerId := range peerIds {
			if target, ok := self.hub.transports[peerId]; ok && peerId != self.playerId {
				targets = append(targets, target)
			}
		}
	}
	self.hub.stateLock.Unlock()

	ok := true
	for _, target := range targets {
		if !target.deliver(&localDelivery{
			kind:    localMessage,
			peerId:  self.playerId,
			message: message,
		}) {
			ok = false
		}
	}
	return ok
}

func (self *LocalTransport) AddReceiveCallback(receiveCallback ReceiveFunc) func() {
	return self.receiveCallbacks.Add(receiveCallback)
}

func (self *LocalTransport) AddPeerJoinCallback(peerJoinCallback PeerFunc) func() {
	return self.peerJoinCallbacks.Add(peerJoinCallback)
}

func (self *LocalTransport) AddPeerLeaveCallback(peerLeaveCallback PeerFunc) func() {
	return self.peerLeaveCallbacks.Add(peerLeaveCallback)
}

func (self *LocalTransport) IsHost() bool {
	return self.HostId() == self.playerId
}

func (self *LocalTransport) PlayerId() Id {
	return self.playerId
}

func (self *LocalTransport) HostId() Id {
	self.hub.stateLock.Lock()
	defer self.hub.stateLock.Unlock()

	return self.hub.hostId
}

func (self *LocalTransport) Peers() []Id {
	self.hub.stateLock.Lock()
	defer self.hub.stateLock.Unlock()

	peerIds := maps.Keys(self.hub.transports)
	slices.SortFunc(peerIds, func(a Id, b Id) int {
		if a.LessThan(b) {
			return -1
		} else if b.LessThan(a) {
			return 1
		}
		return 0
	})
	return peerIds
}

func (self *LocalTransport) Close() {
	self.hub.disconnect(self.playerId)
	self.cancel()
}
