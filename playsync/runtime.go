package playsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Session runtime. One Runtime per peer per session. The host runtime owns
// the canonical state; every other runtime owns a mirror that only the
// patch stream writes.
//
// All state mutation happens on one turn loop goroutine: action applies,
// system ticks, patch applies, lifecycle hooks. Inbound transport messages
// are queued onto the loop instead of mutating from the network callback,
// so no two mutations ever interleave. The order in which the host turn
// loop dequeues invocations is the authoritative total order for the
// session. Actions from different actors that arrive within the same
// processing window apply in transport delivery order, which is not
// reproducible across runs.

var ErrTerminated = errors.New("session terminated")
var ErrNotHost = errors.New("only the host can mutate state directly")

type SessionState int

const (
	SessionInitializing SessionState = iota
	SessionActive
	SessionHostMigrating
	SessionTerminated
)

func (self SessionState) String() string {
	switch self {
	case SessionInitializing:
		return "initializing"
	case SessionActive:
		return "active"
	case SessionHostMigrating:
		return "host-migrating"
	case SessionTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// state is a read-only snapshot shared by all callbacks of one change.
// ops is nil when the whole state was replaced (snapshot).
type ChangeFunc func(state map[string]any, ops []DiffOp)

type EventFunc func(senderId Id, payload any)

type RuntimeSettings struct {
	// how often accumulated mutations are diffed and broadcast.
	// decoupled from individual system tick rates.
	BroadcastInterval time.Duration
	// turn loop timer granularity for system scheduling
	SchedulerGranularity time.Duration
	TurnQueueSize        int
	// buffered out-of-order patches before forcing a resync
	PatchWindow int
	// how long a sequence gap may stay open before a resync request
	ResyncTimeout time.Duration
	// session seed. 0 generates a crypto seed.
	Seed int64
}

func DefaultRuntimeSettings() *RuntimeSettings {
	return &RuntimeSettings{
		BroadcastInterval:    50 * time.Millisecond,
		SchedulerGranularity: 10 * time.Millisecond,
		TurnQueueSize:        1024,
		PatchWindow:          256,
		ResyncTimeout:        500 * time.Millisecond,
	}
}

type Runtime struct {
	ctx    context.Context
	cancel context.CancelFunc

	game      *GameDefinition
	transport Transport
	settings  *RuntimeSettings

	diffSettings *DiffSettings

	turns chan func()

	// guards the fields below. The turn loop holds it briefly to commit;
	// readers copy out.
	stateLock    sync.Mutex
	sessionState SessionState
	hostRole     bool
	hostId       Id
	seed         int64
	state        map[string]any

	// turn loop only
	random          *SeededRandom
	executor        *actionExecutor
	scheduler       *systemScheduler
	baseline        map[string]any
	seq             uint64
	lastBroadcast   time.Time
	patches         *patchQueue
	gapSince        time.Time
	resyncRequested bool
	pendingActions  []*ActionInvocation

	changeCallbacks CallbackList[ChangeFunc]

	eventLock      sync.Mutex
	eventCallbacks map[string]*CallbackList[EventFunc]

	removeTransportCallbacks []func()
}

func NewRuntimeWithDefaults(ctx context.Context, game *GameDefinition, transport Transport) *Runtime {
	return NewRuntime(ctx, game, transport, DefaultRuntimeSettings())
}

func NewRuntime(ctx context.Context, game *GameDefinition, transport Transport, settings *RuntimeSettings) *Runtime {
	cancelCtx, cancel := context.WithCancel(ctx)
	runtime := &Runtime{
		ctx:       cancelCtx,
		cancel:    cancel,
		game:      game,
		transport: transport,
		settings:  settings,
		diffSettings: &DiffSettings{
			KeyedCollections: game.KeyedCollections,
		},
		turns:          make(chan func(), settings.TurnQueueSize),
		sessionState:   SessionInitializing,
		patches:        newPatchQueue(),
		eventCallbacks: map[string]*CallbackList[EventFunc]{},
	}

	runtime.removeTransportCallbacks = []func(){
		transport.AddReceiveCallback(func(senderId Id, message []byte) {
			runtime.enqueue(func() {
				runtime.handleMessage(senderId, message)
			})
		}),
		transport.AddPeerJoinCallback(func(peerId Id) {
			runtime.enqueue(func() {
				runtime.handlePeerJoin(peerId)
			})
		}),
		transport.AddPeerLeaveCallback(func(peerId Id) {
			runtime.enqueue(func() {
				runtime.handlePeerLeave(peerId)
			})
		}),
	}

	go runtime.run()
	return runtime
}

// enqueue puts a turn on the simulation loop. Blocks when the loop is
// saturated, which backpressures the transport inbox.
func (self *Runtime) enqueue(turn func()) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.turns <- turn:
		return true
	}
}

func (self *Runtime) run() {
	defer self.terminate()

	if self.transport.IsHost() {
		if !self.initializeHost() {
			return
		}
	} else {
		glog.V(1).Infof("[rt]%s waiting for snapshot\n", self.PlayerId())
	}

	ticker := time.NewTicker(self.settings.SchedulerGranularity)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case turn := <-self.turns:
			turn()
		case now := <-ticker.C:
			if self.IsHost() {
				self.advanceSystems(now)
				if self.settings.BroadcastInterval <= now.Sub(self.lastBroadcast) {
					self.flush()
					self.lastBroadcast = now
				}
			} else {
				// a transport that learns the roster asynchronously (the
				// relay sends it after the dial) reports host role only
				// after startup. Keep checking until the session starts.
				if self.SessionState() == SessionInitializing && self.transport.IsHost() {
					if !self.initializeHost() {
						return
					}
					continue
				}
				self.checkGap(now)
			}
		}
	}
}

// turn loop
func (self *Runtime) initializeHost() bool {
	seed := self.settings.Seed
	if seed == 0 {
		generated, err := NewSeed()
		if err != nil {
			glog.Errorf("[rt]seed error = %s\n", err)
			return false
		}
		seed = generated
	}
	self.random = NewSeededRandom(seed)

	state, err := normalizeTree(self.game.Setup(self.random))
	if err != nil {
		glog.Errorf("[rt]setup produced bad state = %s\n", err)
		return false
	}

	self.executor = newActionExecutor(self.game.Actions)
	self.scheduler = newSystemScheduler(self.game.Systems, time.Now())
	self.lastBroadcast = time.Now()

	self.stateLock.Lock()
	self.seed = seed
	self.state = state.(map[string]any)
	self.hostRole = true
	self.hostId = self.transport.PlayerId()
	self.sessionState = SessionActive
	self.stateLock.Unlock()

	if self.game.OnPlayerJoin != nil {
		self.mutate(func(state map[string]any) {
			self.game.OnPlayerJoin(state, self.transport.PlayerId())
		})
	}

	self.baseline = self.copyState()
	self.sendSnapshot()
	glog.V(1).Infof("[rt]%s hosting seed=%d\n", self.PlayerId(), seed)
	return true
}

// turn loop. Runs a mutator against a working copy and commits only if
// the result is still a plain serializable tree. A mutator that stores a
// non-plain value is rejected here, before it can corrupt the diff stream.
func (self *Runtime) mutate(mutator func(state map[string]any)) error {
	work := self.copyState()
	mutator(work)
	normalized, err := normalizeTree(work)
	if err != nil {
		glog.Errorf("[rt]%s rejected mutation = %s\n", self.PlayerId(), err)
		return err
	}

	self.stateLock.Lock()
	self.state = normalized.(map[string]any)
	self.stateLock.Unlock()
	return nil
}

func (self *Runtime) copyState() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state == nil {
		return map[string]any{}
	}
	return copyTree(self.state).(map[string]any)
}

// turn loop
func (self *Runtime) advanceSystems(now time.Time) {
	if self.scheduler == nil || len(self.game.Systems) == 0 {
		return
	}
	work := self.copyState()
	ticks := self.scheduler.Advance(work, now)
	if ticks == 0 {
		return
	}
	normalized, err := normalizeTree(work)
	if err != nil {
		// drop the whole advance rather than broadcast a corrupt tree
		glog.Errorf("[rt]%s rejected tick mutation = %s\n", self.PlayerId(), err)
		return
	}
	self.stateLock.Lock()
	self.state = normalized.(map[string]any)
	self.stateLock.Unlock()
}

// turn loop. Diffs everything mutated since the previous broadcast into
// one patch. Patch size scales with what changed, not with state size.
func (self *Runtime) flush() {
	state := self.copyState()
	ops := GenerateDiff(self.baseline, state, self.diffSettings)
	if len(ops) == 0 {
		return
	}
	self.seq += 1
	envelope, err := NewEnvelope(MessagePatch, self.transport.PlayerId(), &PatchPayload{
		Seq: self.seq,
		Ops: ops,
	})
	if err != nil {
		glog.Errorf("[rt]%s encode patch = %s\n", self.PlayerId(), err)
		return
	}
	envelope.Seq = self.seq
	if messageBytes, err := EncodeMessage(envelope); err == nil {
		self.transport.Send(messageBytes)
	}
	self.baseline = state
	glog.V(2).Infof("[rt]%s patch seq=%d ops=%d\n", self.PlayerId(), self.seq, len(ops))
	self.notifyChange(ops)
}

// turn loop
func (self *Runtime) sendSnapshot(peerIds ...Id) {
	self.stateLock.Lock()
	payload := &SnapshotPayload{
		Seq:    self.seq,
		Seed:   self.seed,
		HostId: self.hostId,
		State:  copyTree(self.state).(map[string]any),
	}
	self.stateLock.Unlock()

	envelope, err := NewEnvelope(MessageSnapshot, self.transport.PlayerId(), payload)
	if err != nil {
		glog.Errorf("[rt]%s encode snapshot = %s\n", self.PlayerId(), err)
		return
	}
	envelope.Seq = self.seq
	if messageBytes, err := EncodeMessage(envelope); err == nil {
		self.transport.Send(messageBytes, peerIds...)
	}
}

// turn loop
func (self *Runtime) handleMessage(senderId Id, message []byte) {
	envelope, err := DecodeMessage(message)
	if err != nil {
		glog.V(1).Infof("[rt]%s bad message from %s = %s\n", self.PlayerId(), senderId, err)
		return
	}

	switch envelope.Type {
	case MessageAction:
		if !self.IsHost() {
			return
		}
		invocation, err := decodePayload[ActionInvocation](envelope)
		if err != nil {
			return
		}
		// the actor is whoever the transport says sent it
		invocation.ActorId = senderId
		if err := self.executeAction(invocation); err != nil {
			// the rejection reason stays on the host
			glog.V(1).Infof("[rt]%s rejected %s from %s = %s\n", self.PlayerId(), invocation.Name, senderId, err)
		}
	case MessagePatch:
		if self.IsHost() {
			return
		}
		patch, err := decodePayload[PatchPayload](envelope)
		if err != nil {
			return
		}
		self.handlePatch(patch)
	case MessageSnapshot:
		if self.IsHost() {
			return
		}
		snapshot, err := decodePayload[SnapshotPayload](envelope)
		if err != nil {
			return
		}
		self.handleSnapshot(snapshot)
	case MessageEvent:
		event, err := decodePayload[EventPayload](envelope)
		if err != nil {
			return
		}
		self.dispatchEvent(senderId, event.Name, event.Payload)
	case MessageResync:
		if !self.IsHost() {
			return
		}
		glog.V(1).Infof("[rt]%s resync for %s\n", self.PlayerId(), senderId)
		self.sendSnapshot(senderId)
	case MessageHeartbeat, MessagePeerJoin, MessagePeerLeave:
		// roster and liveness are handled by the transport
	}
}

// turn loop. Validates and applies one action against a working copy and
// commits on success. A rejection leaves the state untouched and emits no
// diff.
func (self *Runtime) executeAction(invocation *ActionInvocation) error {
	work := self.copyState()
	if err := self.executor.Execute(work, invocation, time.Now()); err != nil {
		return err
	}
	normalized, err := normalizeTree(work)
	if err != nil {
		return err
	}
	self.stateLock.Lock()
	self.state = normalized.(map[string]any)
	self.stateLock.Unlock()
	return nil
}

// turn loop. Patches apply strictly in sequence order; anything out of
// order buffers, and a gap that does not fill in time forces a resync.
func (self *Runtime) handlePatch(patch *PatchPayload) {
	self.stateLock.Lock()
	ready := self.sessionState == SessionActive
	self.stateLock.Unlock()
	if !ready {
		// no baseline yet. The snapshot resets the stream.
		return
	}

	if patch.Seq <= self.seq {
		// duplicate (at-least-once delivery)
		return
	}
	self.patches.Add(patch)
	if self.gapSince.IsZero() {
		self.gapSince = time.Now()
	}

	for {
		head := self.patches.PeekFirst()
		if head == nil || self.seq+1 < head.Seq {
			break
		}
		self.patches.RemoveFirst()
		if head.Seq <= self.seq {
			continue
		}
		self.applyPatch(head)
	}

	if self.patches.Size() == 0 {
		self.gapSince = time.Time{}
	} else if self.settings.PatchWindow < self.patches.Size() {
		self.requestResync()
	}
}

// turn loop
func (self *Runtime) applyPatch(patch *PatchPayload) {
	work := self.copyState()
	applied, err := ApplyPatch(work, patch.Ops, self.diffSettings)
	if err != nil {
		// desync. Recover with a fresh snapshot.
		glog.Infof("[rt]%s desync at seq=%d = %s\n", self.PlayerId(), patch.Seq, err)
		self.requestResync()
		return
	}
	self.stateLock.Lock()
	self.state = applied.(map[string]any)
	self.stateLock.Unlock()
	self.seq = patch.Seq
	self.notifyChange(patch.Ops)
}

// turn loop
func (self *Runtime) checkGap(now time.Time) {
	if self.patches.Size() == 0 || self.gapSince.IsZero() {
		return
	}
	if self.settings.ResyncTimeout <= now.Sub(self.gapSince) {
		self.requestResync()
	}
}

// turn loop
func (self *Runtime) requestResync() {
	if self.resyncRequested {
		return
	}
	hostId := self.HostId()
	if hostId.IsZero() {
		return
	}
	envelope, err := NewEnvelope(MessageResync, self.transport.PlayerId(), nil)
	if err != nil {
		return
	}
	if messageBytes, err := EncodeMessage(envelope); err == nil {
		if self.transport.Send(messageBytes, hostId) {
			self.resyncRequested = true
		}
	}
}

// turn loop. A snapshot replaces the mirror wholesale: at session start,
// after a resync, and after host migration (the new host's diff baseline
// is unknown, so only a snapshot can restart the stream).
func (self *Runtime) handleSnapshot(snapshot *SnapshotPayload) {
	normalized, err := normalizeTree(snapshot.State)
	if err != nil {
		glog.Infof("[rt]%s bad snapshot = %s\n", self.PlayerId(), err)
		return
	}

	self.stateLock.Lock()
	self.state = normalized.(map[string]any)
	self.seed = snapshot.Seed
	self.hostId = snapshot.HostId
	self.sessionState = SessionActive
	self.stateLock.Unlock()

	self.seq = snapshot.Seq
	self.patches.Clear()
	self.gapSince = time.Time{}
	self.resyncRequested = false

	glog.V(1).Infof("[rt]%s snapshot seq=%d host=%s\n", self.PlayerId(), snapshot.Seq, snapshot.HostId)
	self.notifyChange(nil)
	self.flushPendingActions()
}

// turn loop. Actions submitted while no host was reachable are forwarded
// once the session is active again. Their order relative to actions the
// new host applied during the gap is not guaranteed.
func (self *Runtime) flushPendingActions() {
	pending := self.pendingActions
	self.pendingActions = nil
	for _, invocation := range pending {
		self.forwardAction(invocation)
	}
}

// turn loop
func (self *Runtime) forwardAction(invocation *ActionInvocation) {
	self.stateLock.Lock()
	active := self.sessionState == SessionActive
	hostId := self.hostId
	self.stateLock.Unlock()

	if !active || hostId.IsZero() {
		self.pendingActions = append(self.pendingActions, invocation)
		return
	}
	envelope, err := NewEnvelope(MessageAction, self.transport.PlayerId(), invocation)
	if err != nil {
		glog.V(1).Infof("[rt]%s encode action = %s\n", self.PlayerId(), err)
		return
	}
	if messageBytes, err := EncodeMessage(envelope); err == nil {
		self.transport.Send(messageBytes, hostId)
	}
}

// turn loop
func (self *Runtime) handlePeerJoin(peerId Id) {
	if !self.IsHost() {
		return
	}
	if self.game.OnPlayerJoin != nil {
		self.mutate(func(state map[string]any) {
			self.game.OnPlayerJoin(state, peerId)
		})
	}
	// flush first so the snapshot is the peer's clean patch baseline
	self.flush()
	self.sendSnapshot(peerId)
}

// turn loop
func (self *Runtime) handlePeerLeave(peerId Id) {
	if self.IsHost() {
		if self.game.OnPlayerLeave != nil {
			self.mutate(func(state map[string]any) {
				self.game.OnPlayerLeave(state, peerId)
			})
		}
		self.executor.forgetActor(peerId)
		return
	}

	self.stateLock.Lock()
	hostId := self.hostId
	self.stateLock.Unlock()
	// a zero host id means no snapshot arrived yet; treat any leave as a
	// possible host leave and let the election sort it out
	if !hostId.IsZero() && peerId != hostId {
		return
	}

	// every surviving peer runs the same election on the same peer set
	electedId := ElectHost(self.transport.Peers())
	glog.V(1).Infof("[rt]%s host %s left, elected %s\n", self.PlayerId(), peerId, electedId)

	if electedId == self.transport.PlayerId() {
		self.promoteToHost(peerId)
		return
	}

	self.stateLock.Lock()
	self.sessionState = SessionHostMigrating
	self.hostId = electedId
	self.stateLock.Unlock()
}

// turn loop. The elected peer promotes its mirror to canonical and
// restarts the patch stream from a full snapshot.
func (self *Runtime) promoteToHost(previousHostId Id) {
	self.stateLock.Lock()
	if self.state == nil {
		// nothing was ever mirrored; bootstrap as a fresh host
		self.stateLock.Unlock()
		self.initializeHost()
		return
	}
	self.hostRole = true
	self.hostId = self.transport.PlayerId()
	self.sessionState = SessionActive
	seed := self.seed
	self.stateLock.Unlock()

	self.random = NewSeededRandom(seed)
	self.executor = newActionExecutor(self.game.Actions)
	self.scheduler = newSystemScheduler(self.game.Systems, time.Now())
	self.patches.Clear()
	self.gapSince = time.Time{}
	self.resyncRequested = false
	self.lastBroadcast = time.Now()

	if self.game.OnPlayerLeave != nil {
		self.mutate(func(state map[string]any) {
			self.game.OnPlayerLeave(state, previousHostId)
		})
	}

	self.baseline = self.copyState()
	self.sendSnapshot()
	glog.Infof("[rt]%s promoted to host\n", self.PlayerId())

	// actions queued during the gap now apply locally
	pending := self.pendingActions
	self.pendingActions = nil
	for _, invocation := range pending {
		if err := self.executeAction(invocation); err != nil {
			glog.V(1).Infof("[rt]%s rejected queued %s = %s\n", self.PlayerId(), invocation.Name, err)
		}
	}
}

func (self *Runtime) notifyChange(ops []DiffOp) {
	state := self.copyState()
	dispatch(self.changeCallbacks.Get(), func(callback ChangeFunc) {
		callback(state, ops)
	})
}

func (self *Runtime) dispatchEvent(senderId Id, name string, payload any) {
	self.eventLock.Lock()
	callbacks := self.eventCallbacks[name]
	self.eventLock.Unlock()
	if callbacks == nil {
		return
	}
	dispatch(callbacks.Get(), func(callback EventFunc) {
		callback(senderId, payload)
	})
}

// public api

// SubmitAction submits an action as the local player. On the host the
// action executes synchronously in submission order and the returned
// error is the rejection reason. On any other peer the invocation is
// forwarded to the host fire-and-forget and the return is always nil;
// rejection reasons never reach clients.
//
// Do not call from inside apply, tick, or a change callback; those run on
// the turn loop this call queues onto.
func (self *Runtime) SubmitAction(name string, input map[string]any, targetId ...Id) error {
	self.stateLock.Lock()
	terminated := self.sessionState == SessionTerminated
	hostRole := self.hostRole
	self.stateLock.Unlock()
	if terminated {
		return ErrTerminated
	}

	invocation := &ActionInvocation{
		Name:    name,
		Input:   input,
		ActorId: self.transport.PlayerId(),
	}
	if 0 < len(targetId) {
		invocation.TargetId = &targetId[0]
	}

	if hostRole {
		done := make(chan error, 1)
		if !self.enqueue(func() {
			done <- self.executeAction(invocation)
		}) {
			return ErrTerminated
		}
		select {
		case <-self.ctx.Done():
			return ErrTerminated
		case err := <-done:
			return err
		}
	}

	self.enqueue(func() {
		self.forwardAction(invocation)
	})
	return nil
}

// State returns a deep copy of the current state. The copy shares nothing
// with the canonical tree, so callers cannot mutate the session.
func (self *Runtime) State() map[string]any {
	return self.copyState()
}

// OnChange subscribes to state changes. Returns an unsubscribe function.
func (self *Runtime) OnChange(callback ChangeFunc) func() {
	return self.changeCallbacks.Add(callback)
}

// BroadcastEvent sends an application-level event to all peers, including
// the local one. Events are not part of canonical state and have no
// ordering guarantee relative to patches.
func (self *Runtime) BroadcastEvent(name string, payload any) error {
	self.stateLock.Lock()
	terminated := self.sessionState == SessionTerminated
	self.stateLock.Unlock()
	if terminated {
		return ErrTerminated
	}

	envelope, err := NewEnvelope(MessageEvent, self.transport.PlayerId(), &EventPayload{
		Name:    name,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	messageBytes, err := EncodeMessage(envelope)
	if err != nil {
		return err
	}
	self.transport.Send(messageBytes)
	self.enqueue(func() {
		self.dispatchEvent(self.transport.PlayerId(), name, payload)
	})
	return nil
}

// OnEvent subscribes to a named event. Returns an unsubscribe function.
func (self *Runtime) OnEvent(name string, callback EventFunc) func() {
	self.eventLock.Lock()
	callbacks, ok := self.eventCallbacks[name]
	if !ok {
		callbacks = &CallbackList[EventFunc]{}
		self.eventCallbacks[name] = callbacks
	}
	self.eventLock.Unlock()
	return callbacks.Add(callback)
}

// MutateState runs a mutator on the canonical state outside the action
// pipeline. Host only. Meant for adapter bookkeeping that has no actor,
// not for gameplay; gameplay goes through actions.
func (self *Runtime) MutateState(mutator func(state map[string]any)) error {
	self.stateLock.Lock()
	hostRole := self.hostRole
	terminated := self.sessionState == SessionTerminated
	self.stateLock.Unlock()
	if terminated {
		return ErrTerminated
	}
	if !hostRole {
		return ErrNotHost
	}

	done := make(chan error, 1)
	if !self.enqueue(func() {
		done <- self.mutate(mutator)
	}) {
		return ErrTerminated
	}
	select {
	case <-self.ctx.Done():
		return ErrTerminated
	case err := <-done:
		return err
	}
}

func (self *Runtime) SessionState() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.sessionState
}

func (self *Runtime) PlayerId() Id {
	return self.transport.PlayerId()
}

func (self *Runtime) HostId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.hostId
}

func (self *Runtime) IsHost() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.hostRole
}

// Seed returns the session seed shared by all peers via the snapshot.
func (self *Runtime) Seed() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.seed
}

func (self *Runtime) terminate() {
	self.stateLock.Lock()
	self.sessionState = SessionTerminated
	self.stateLock.Unlock()

	for _, removeCallback := range self.removeTransportCallbacks {
		removeCallback()
	}
	self.cancel()
}

func (self *Runtime) Close() {
	self.cancel()
}
