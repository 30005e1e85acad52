package playsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testRuntimeSettings(seed int64) *RuntimeSettings {
	return &RuntimeSettings{
		BroadcastInterval:    10 * time.Millisecond,
		SchedulerGranularity: 2 * time.Millisecond,
		TurnQueueSize:        1024,
		PatchWindow:          8,
		ResyncTimeout:        50 * time.Millisecond,
		Seed:                 seed,
	}
}

func counterGame() *GameDefinition {
	return RequireGame(&GameDefinition{
		Setup: func(random *SeededRandom) map[string]any {
			return map[string]any{
				"count":   0,
				"roll":    random.Range(0, 100),
				"players": map[string]any{},
			}
		},
		Actions: map[string]*ActionDefinition{
			"increment": {
				Apply: func(state map[string]any, ctx *ActionContext, input map[string]any) {
					count, _ := coerceNumber(state["count"])
					state["count"] = count + 1
					state["lastActor"] = ctx.ActorId.String()
				},
			},
			"fire": {
				Apply: func(state map[string]any, ctx *ActionContext, input map[string]any) {
					count, _ := coerceNumber(state["shots"])
					state["shots"] = count + 1
				},
				Cooldown: 1 * time.Hour,
			},
		},
		OnPlayerJoin: func(state map[string]any, playerId Id) {
			players := state["players"].(map[string]any)
			players[playerId.String()] = map[string]any{
				"x": float64(0),
				"y": float64(0),
			}
		},
		OnPlayerLeave: func(state map[string]any, playerId Id) {
			players := state["players"].(map[string]any)
			delete(players, playerId.String())
		},
	})
}

func TestRuntimeHostAndMirrorConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	game := counterGame()
	hub := NewLocalHub()

	hostTransport := hub.Connect(ctx)
	defer hostTransport.Close()
	host := NewRuntime(ctx, game, hostTransport, testRuntimeSettings(42))
	defer host.Close()

	waitFor(t, 5*time.Second, func() bool {
		return host.SessionState() == SessionActive
	})
	assert.Equal(t, host.IsHost(), true)
	assert.Equal(t, host.Seed(), int64(42))

	clientTransport := hub.Connect(ctx)
	defer clientTransport.Close()
	client := NewRuntime(ctx, game, clientTransport, testRuntimeSettings(0))
	defer client.Close()

	// the join snapshot activates the mirror with the host's seed
	waitFor(t, 5*time.Second, func() bool {
		return client.SessionState() == SessionActive
	})
	assert.Equal(t, client.IsHost(), false)
	assert.Equal(t, client.HostId(), host.PlayerId())
	assert.Equal(t, client.Seed(), int64(42))

	// both player join hooks landed
	waitFor(t, 5*time.Second, func() bool {
		players := client.State()["players"].(map[string]any)
		return len(players) == 2
	})
	assert.Equal(t, treeEqual(host.State(), client.State()), true)

	// host submission applies synchronously and reaches the mirror
	err := host.SubmitAction("increment", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, host.State()["count"], float64(1))
	waitFor(t, 5*time.Second, func() bool {
		return treeEqual(client.State()["count"], float64(1))
	})

	// a client submission forwards to the host, which stamps the actor
	// from the transport sender id
	err = client.SubmitAction("increment", nil)
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		return treeEqual(client.State()["count"], float64(2))
	})
	assert.Equal(t, host.State()["lastActor"], client.PlayerId().String())
}

func TestRuntimeRejectionIsHostOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	game := counterGame()
	hub := NewLocalHub()

	hostTransport := hub.Connect(ctx)
	defer hostTransport.Close()
	host := NewRuntime(ctx, game, hostTransport, testRuntimeSettings(1))
	defer host.Close()
	waitFor(t, 5*time.Second, func() bool {
		return host.SessionState() == SessionActive
	})

	clientTransport := hub.Connect(ctx)
	defer clientTransport.Close()
	client := NewRuntime(ctx, game, clientTransport, testRuntimeSettings(0))
	defer client.Close()
	waitFor(t, 5*time.Second, func() bool {
		return client.SessionState() == SessionActive
	})

	// the host sees its own rejection reason
	err := host.SubmitAction("fire", nil)
	assert.Equal(t, err, nil)
	err = host.SubmitAction("fire", nil)
	_, ok := err.(*CooldownError)
	assert.Equal(t, ok, true)
	assert.Equal(t, host.State()["shots"], float64(1))

	// the client never does: forwarding is fire-and-forget
	err = client.SubmitAction("fire", nil)
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		return treeEqual(client.State()["shots"], float64(2))
	})
	err = client.SubmitAction("fire", nil)
	assert.Equal(t, err, nil)

	// the second fire was rejected on the host with zero state mutation
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, host.State()["shots"], float64(2))
	assert.Equal(t, client.State()["shots"], float64(2))

	err = host.SubmitAction("ghost", nil)
	assert.Equal(t, err, ErrUnknownAction)
}

func TestRuntimeMutateState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	game := counterGame()
	hub := NewLocalHub()

	hostTransport := hub.Connect(ctx)
	defer hostTransport.Close()
	host := NewRuntime(ctx, game, hostTransport, testRuntimeSettings(1))
	defer host.Close()
	waitFor(t, 5*time.Second, func() bool {
		return host.SessionState() == SessionActive
	})

	clientTransport := hub.Connect(ctx)
	defer clientTransport.Close()
	client := NewRuntime(ctx, game, clientTransport, testRuntimeSettings(0))
	defer client.Close()
	waitFor(t, 5*time.Second, func() bool {
		return client.SessionState() == SessionActive
	})

	// host-only
	err := client.MutateState(func(state map[string]any) {
		state["paused"] = true
	})
	assert.Equal(t, err, ErrNotHost)

	err = host.MutateState(func(state map[string]any) {
		state["paused"] = true
	})
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		return treeEqual(client.State()["paused"], true)
	})

	// a mutator that stores a non-serializable value is rejected with
	// zero state mutation
	err = host.MutateState(func(state map[string]any) {
		state["callback"] = func() {}
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, host.State()["callback"], nil)
	assert.Equal(t, host.State()["paused"], true)
}

func TestRuntimeStateIsACopy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	game := counterGame()
	hub := NewLocalHub()

	hostTransport := hub.Connect(ctx)
	defer hostTransport.Close()
	host := NewRuntime(ctx, game, hostTransport, testRuntimeSettings(1))
	defer host.Close()
	waitFor(t, 5*time.Second, func() bool {
		return host.SessionState() == SessionActive
	})

	state := host.State()
	state["count"] = float64(999)
	state["players"].(map[string]any)["intruder"] = map[string]any{}

	fresh := host.State()
	assert.Equal(t, fresh["count"], float64(0))
	assert.Equal(t, fresh["players"].(map[string]any)["intruder"], nil)
}

func TestRuntimeEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	game := counterGame()
	hub := NewLocalHub()

	hostTransport := hub.Connect(ctx)
	defer hostTransport.Close()
	host := NewRuntime(ctx, game, hostTransport, testRuntimeSettings(1))
	defer host.Close()
	waitFor(t, 5*time.Second, func() bool {
		return host.SessionState() == SessionActive
	})

	clientTransport := hub.Connect(ctx)
	defer clientTransport.Close()
	client := NewRuntime(ctx, game, clientTransport, testRuntimeSettings(0))
	defer client.Close()
	waitFor(t, 5*time.Second, func() bool {
		return client.SessionState() == SessionActive
	})

	var eventsLock sync.Mutex
	hostEvents := []string{}
	clientEvents := []string{}
	host.OnEvent("emote", func(senderId Id, payload any) {
		eventsLock.Lock()
		defer eventsLock.Unlock()
		assert.Equal(t, senderId, client.PlayerId())
		hostEvents = append(hostEvents, payload.(string))
	})
	client.OnEvent("emote", func(senderId Id, payload any) {
		eventsLock.Lock()
		defer eventsLock.Unlock()
		clientEvents = append(clientEvents, payload.(string))
	})

	// events reach remote peers and the local subscriber
	err := client.BroadcastEvent("emote", "wave")
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		eventsLock.Lock()
		defer eventsLock.Unlock()
		return len(hostEvents) == 1 && len(clientEvents) == 1
	})
	eventsLock.Lock()
	assert.Equal(t, hostEvents[0], "wave")
	assert.Equal(t, clientEvents[0], "wave")
	eventsLock.Unlock()

	// events are not state
	assert.Equal(t, host.State()["emote"], nil)
}

func TestRuntimeHostMigration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	game := counterGame()
	hub := NewLocalHub()

	hostTransport := hub.Connect(ctx)
	host := NewRuntime(ctx, game, hostTransport, testRuntimeSettings(7))
	waitFor(t, 5*time.Second, func() bool {
		return host.SessionState() == SessionActive
	})

	bTransport := hub.Connect(ctx)
	defer bTransport.Close()
	b := NewRuntime(ctx, game, bTransport, testRuntimeSettings(0))
	defer b.Close()

	cTransport := hub.Connect(ctx)
	defer cTransport.Close()
	c := NewRuntime(ctx, game, cTransport, testRuntimeSettings(0))
	defer c.Close()

	waitFor(t, 5*time.Second, func() bool {
		return b.SessionState() == SessionActive && c.SessionState() == SessionActive
	})

	err := host.SubmitAction("increment", nil)
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		return treeEqual(b.State()["count"], float64(1)) &&
			treeEqual(c.State()["count"], float64(1))
	})

	oldHostId := host.PlayerId()
	host.Close()
	hostTransport.Close()

	// b joined before c, so b has the lowest surviving id and every peer
	// elects b without coordination
	waitFor(t, 5*time.Second, func() bool {
		return b.IsHost() &&
			b.HostId() == b.PlayerId() &&
			c.HostId() == b.PlayerId() &&
			c.SessionState() == SessionActive
	})
	assert.Equal(t, c.IsHost(), false)

	// the promoted mirror kept the pre-migration state and the seed,
	// and the leave hook removed the old host
	assert.Equal(t, b.State()["count"], float64(1))
	assert.Equal(t, b.Seed(), int64(7))
	waitFor(t, 5*time.Second, func() bool {
		players := c.State()["players"].(map[string]any)
		_, stale := players[oldHostId.String()]
		return !stale && len(players) == 2
	})

	// the session continues under the new host
	err = b.SubmitAction("increment", nil)
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		return treeEqual(c.State()["count"], float64(2))
	})

	err = c.SubmitAction("increment", nil)
	assert.Equal(t, err, nil)
	waitFor(t, 5*time.Second, func() bool {
		return treeEqual(b.State()["count"], float64(3)) &&
			treeEqual(c.State()["count"], float64(3))
	})
}

// transport scripted by the test: the test plays the remote host and
// inspects everything the runtime sends
type scriptTransport struct {
	playerId Id
	hostId   Id

	receiveCallbacks   CallbackList[ReceiveFunc]
	peerJoinCallbacks  CallbackList[PeerFunc]
	peerLeaveCallbacks CallbackList[PeerFunc]

	sentLock sync.Mutex
	sent     []*Envelope
	targets  [][]Id
}

func newScriptTransport() *scriptTransport {
	hostId := NewId()
	return &scriptTransport{
		playerId: NewId(),
		hostId:   hostId,
	}
}

func (self *scriptTransport) Send(message []byte, peerIds ...Id) bool {
	envelope, err := DecodeMessage(message)
	if err != nil {
		return false
	}
	self.sentLock.Lock()
	defer self.sentLock.Unlock()
	self.sent = append(self.sent, envelope)
	self.targets = append(self.targets, peerIds)
	return true
}

func (self *scriptTransport) lastTargets() []Id {
	self.sentLock.Lock()
	defer self.sentLock.Unlock()
	if len(self.targets) == 0 {
		return nil
	}
	return self.targets[len(self.targets)-1]
}

func (self *scriptTransport) sentOfType(messageType MessageType) []*Envelope {
	self.sentLock.Lock()
	defer self.sentLock.Unlock()
	envelopes := []*Envelope{}
	for _, envelope := range self.sent {
		if envelope.Type == messageType {
			envelopes = append(envelopes, envelope)
		}
	}
	return envelopes
}

func (self *scriptTransport) deliver(t *testing.T, messageType MessageType, payload any) {
	envelope, err := NewEnvelope(messageType, self.hostId, payload)
	assert.Equal(t, err, nil)
	messageBytes, err := EncodeMessage(envelope)
	assert.Equal(t, err, nil)
	dispatch(self.receiveCallbacks.Get(), func(callback ReceiveFunc) {
		callback(self.hostId, messageBytes)
	})
}

func (self *scriptTransport) AddReceiveCallback(receiveCallback ReceiveFunc) func() {
	return self.receiveCallbacks.Add(receiveCallback)
}

func (self *scriptTransport) AddPeerJoinCallback(peerJoinCallback PeerFunc) func() {
	return self.peerJoinCallbacks.Add(peerJoinCallback)
}

func (self *scriptTransport) AddPeerLeaveCallback(peerLeaveCallback PeerFunc) func() {
	return self.peerLeaveCallbacks.Add(peerLeaveCallback)
}

func (self *scriptTransport) IsHost() bool {
	return false
}

func (self *scriptTransport) PlayerId() Id {
	return self.playerId
}

func (self *scriptTransport) HostId() Id {
	return self.hostId
}

func (self *scriptTransport) Peers() []Id {
	return []Id{self.playerId, self.hostId}
}

func (self *scriptTransport) Close() {
}

func TestRuntimeBuffersOutOfOrderPatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newScriptTransport()
	settings := testRuntimeSettings(0)
	// keep the gap timer out of this test
	settings.ResyncTimeout = time.Hour
	client := NewRuntime(ctx, counterGame(), transport, settings)
	defer client.Close()

	transport.deliver(t, MessageSnapshot, &SnapshotPayload{
		Seq:    0,
		Seed:   5,
		HostId: transport.hostId,
		State:  map[string]any{"count": float64(0)},
	})
	waitFor(t, 5*time.Second, func() bool {
		return client.SessionState() == SessionActive
	})

	// seq 2 arrives before seq 1: buffered, not applied
	transport.deliver(t, MessagePatch, &PatchPayload{
		Seq: 2,
		Ops: []DiffOp{{Path: []string{"count"}, Op: DiffSet, Value: float64(2)}},
	})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, client.State()["count"], float64(0))

	// the gap fills and both apply in order
	transport.deliver(t, MessagePatch, &PatchPayload{
		Seq: 1,
		Ops: []DiffOp{{Path: []string{"count"}, Op: DiffSet, Value: float64(1)}},
	})
	waitFor(t, 5*time.Second, func() bool {
		return treeEqual(client.State()["count"], float64(2))
	})

	// a duplicate of an applied patch is dropped
	transport.deliver(t, MessagePatch, &PatchPayload{
		Seq: 1,
		Ops: []DiffOp{{Path: []string{"count"}, Op: DiffSet, Value: float64(99)}},
	})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, client.State()["count"], float64(2))
	assert.Equal(t, len(transport.sentOfType(MessageResync)), 0)
}

func TestRuntimeResyncAfterGapTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newScriptTransport()
	client := NewRuntime(ctx, counterGame(), transport, testRuntimeSettings(0))
	defer client.Close()

	transport.deliver(t, MessageSnapshot, &SnapshotPayload{
		Seq:    0,
		Seed:   5,
		HostId: transport.hostId,
		State:  map[string]any{"count": float64(0)},
	})
	waitFor(t, 5*time.Second, func() bool {
		return client.SessionState() == SessionActive
	})

	// a gap that never fills forces exactly one resync request to the host
	transport.deliver(t, MessagePatch, &PatchPayload{
		Seq: 3,
		Ops: []DiffOp{{Path: []string{"count"}, Op: DiffSet, Value: float64(3)}},
	})
	waitFor(t, 5*time.Second, func() bool {
		return len(transport.sentOfType(MessageResync)) == 1
	})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(transport.sentOfType(MessageResync)), 1)
	assert.Equal(t, transport.lastTargets(), []Id{transport.hostId})

	// the recovery snapshot resets the stream and drops the buffer
	transport.deliver(t, MessageSnapshot, &SnapshotPayload{
		Seq:    5,
		Seed:   5,
		HostId: transport.hostId,
		State:  map[string]any{"count": float64(5)},
	})
	waitFor(t, 5*time.Second, func() bool {
		return treeEqual(client.State()["count"], float64(5))
	})

	transport.deliver(t, MessagePatch, &PatchPayload{
		Seq: 6,
		Ops: []DiffOp{{Path: []string{"count"}, Op: DiffSet, Value: float64(6)}},
	})
	waitFor(t, 5*time.Second, func() bool {
		return treeEqual(client.State()["count"], float64(6))
	})
}

func TestRuntimeQueuesActionsUntilActive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newScriptTransport()
	client := NewRuntime(ctx, counterGame(), transport, testRuntimeSettings(0))
	defer client.Close()

	// no snapshot yet: the submission queues instead of sending
	err := client.SubmitAction("increment", nil)
	assert.Equal(t, err, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, len(transport.sentOfType(MessageAction)), 0)

	transport.deliver(t, MessageSnapshot, &SnapshotPayload{
		Seq:    0,
		Seed:   5,
		HostId: transport.hostId,
		State:  map[string]any{"count": float64(0)},
	})

	// activation flushes the queue to the host
	waitFor(t, 5*time.Second, func() bool {
		return len(transport.sentOfType(MessageAction)) == 1
	})
	actions := transport.sentOfType(MessageAction)
	invocation, err := decodePayload[ActionInvocation](actions[0])
	assert.Equal(t, err, nil)
	assert.Equal(t, invocation.Name, "increment")
	assert.Equal(t, invocation.ActorId, transport.playerId)
}

func TestRuntimeSetupDeterminism(t *testing.T) {
	game := counterGame()

	rolls := []any{}
	for n := 0; n < 2; n++ {
		ctx, cancel := context.WithCancel(context.Background())
		hub := NewLocalHub()
		hostTransport := hub.Connect(ctx)
		host := NewRuntime(ctx, game, hostTransport, testRuntimeSettings(42))

		waitFor(t, 5*time.Second, func() bool {
			return host.SessionState() == SessionActive
		})
		rolls = append(rolls, host.State()["roll"])

		host.Close()
		hostTransport.Close()
		cancel()
	}

	// the same seed reproduces the same setup
	assert.Equal(t, rolls[0], rolls[1])
}

func TestRuntimeTerminated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	game := counterGame()
	hub := NewLocalHub()

	hostTransport := hub.Connect(ctx)
	defer hostTransport.Close()
	host := NewRuntime(ctx, game, hostTransport, testRuntimeSettings(1))
	waitFor(t, 5*time.Second, func() bool {
		return host.SessionState() == SessionActive
	})

	host.Close()
	waitFor(t, 5*time.Second, func() bool {
		return host.SessionState() == SessionTerminated
	})
	err := host.SubmitAction("increment", nil)
	assert.Equal(t, err, ErrTerminated)
	err = host.MutateState(func(state map[string]any) {})
	assert.Equal(t, err, ErrTerminated)
	err = host.BroadcastEvent("hello", nil)
	assert.Equal(t, err, ErrTerminated)
}
