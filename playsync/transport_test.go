package playsync

import (
	"context"
	mathrand "math/rand"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"golang.org/x/exp/slices"
)

// polls until the condition holds or the timeout elapses
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	endTime := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if endTime.Before(time.Now()) {
			t.Fatal("timeout")
			return
		}
		time.Sleep(1 * time.Millisecond)
	}
}

func TestElectHostLowestId(t *testing.T) {
	peerIds := []Id{}
	for n := 0; n < 16; n++ {
		peerIds = append(peerIds, NewId())
	}
	lowest := peerIds[0]
	for _, peerId := range peerIds {
		if peerId.LessThan(lowest) {
			lowest = peerId
		}
	}

	// every peer elects the same host from any ordering of the peer set
	random := mathrand.New(mathrand.NewSource(1))
	for n := 0; n < 32; n++ {
		shuffled := slices.Clone(peerIds)
		random.Shuffle(len(shuffled), func(i int, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		assert.Equal(t, ElectHost(shuffled), lowest)
	}

	assert.Equal(t, ElectHost([]Id{}).IsZero(), true)
}

func TestLocalHubFirstJoinerIsHost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLocalHub()
	a := hub.Connect(ctx)
	defer a.Close()
	b := hub.Connect(ctx)
	defer b.Close()

	assert.Equal(t, a.IsHost(), true)
	assert.Equal(t, b.IsHost(), false)
	assert.Equal(t, b.HostId(), a.PlayerId())
	assert.Equal(t, len(a.Peers()), 2)
	assert.Equal(t, len(b.Peers()), 2)
}

func TestLocalHubSendOrderPreserved(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLocalHub()
	a := hub.Connect(ctx)
	defer a.Close()
	b := hub.Connect(ctx)
	defer b.Close()

	var receivedLock sync.Mutex
	received := []string{}
	b.AddReceiveCallback(func(senderId Id, message []byte) {
		receivedLock.Lock()
		defer receivedLock.Unlock()
		assert.Equal(t, senderId, a.PlayerId())
		received = append(received, string(message))
	})

	sent := []string{"one", "two", "three", "four"}
	for _, message := range sent {
		assert.Equal(t, a.Send([]byte(message)), true)
	}

	waitFor(t, 5*time.Second, func() bool {
		receivedLock.Lock()
		defer receivedLock.Unlock()
		return len(received) == len(sent)
	})
	receivedLock.Lock()
	assert.Equal(t, received, sent)
	receivedLock.Unlock()
}

func TestLocalHubUnicast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLocalHub()
	a := hub.Connect(ctx)
	defer a.Close()
	b := hub.Connect(ctx)
	defer b.Close()
	c := hub.Connect(ctx)
	defer c.Close()

	var countsLock sync.Mutex
	counts := map[Id]int{}
	count := func(transport *LocalTransport) {
		transport.AddReceiveCallback(func(senderId Id, message []byte) {
			countsLock.Lock()
			defer countsLock.Unlock()
			counts[transport.PlayerId()] += 1
		})
	}
	count(b)
	count(c)

	a.Send([]byte("only b"), b.PlayerId())
	waitFor(t, 5*time.Second, func() bool {
		countsLock.Lock()
		defer countsLock.Unlock()
		return counts[b.PlayerId()] == 1
	})
	countsLock.Lock()
	assert.Equal(t, counts[c.PlayerId()], 0)
	countsLock.Unlock()

	// broadcast reaches everyone but the sender
	a.Send([]byte("all"))
	waitFor(t, 5*time.Second, func() bool {
		countsLock.Lock()
		defer countsLock.Unlock()
		return counts[b.PlayerId()] == 2 && counts[c.PlayerId()] == 1
	})
}

func TestLocalHubPeerCallbacks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLocalHub()
	a := hub.Connect(ctx)
	defer a.Close()

	var eventsLock sync.Mutex
	joins := []Id{}
	leaves := []Id{}
	a.AddPeerJoinCallback(func(peerId Id) {
		eventsLock.Lock()
		defer eventsLock.Unlock()
		joins = append(joins, peerId)
	})
	a.AddPeerLeaveCallback(func(peerId Id) {
		eventsLock.Lock()
		defer eventsLock.Unlock()
		leaves = append(leaves, peerId)
	})

	b := hub.Connect(ctx)
	waitFor(t, 5*time.Second, func() bool {
		eventsLock.Lock()
		defer eventsLock.Unlock()
		return len(joins) == 1
	})
	eventsLock.Lock()
	assert.Equal(t, joins[0], b.PlayerId())
	eventsLock.Unlock()

	b.Close()
	waitFor(t, 5*time.Second, func() bool {
		eventsLock.Lock()
		defer eventsLock.Unlock()
		return len(leaves) == 1
	})
	eventsLock.Lock()
	assert.Equal(t, leaves[0], b.PlayerId())
	eventsLock.Unlock()
}

func TestLocalHubHostMigratesOnDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLocalHub()
	a := hub.Connect(ctx)
	b := hub.Connect(ctx)
	defer b.Close()
	c := hub.Connect(ctx)
	defer c.Close()

	assert.Equal(t, a.IsHost(), true)

	a.Close()

	// ids are monotonic within a process, so the earliest surviving
	// joiner has the lowest id and wins the election
	expected := b.PlayerId()
	if c.PlayerId().LessThan(expected) {
		expected = c.PlayerId()
	}
	waitFor(t, 5*time.Second, func() bool {
		return b.HostId() == expected && c.HostId() == expected
	})
	assert.Equal(t, expected, b.PlayerId())
}

func TestCallbackListRemove(t *testing.T) {
	callbacks := CallbackList[func()]{}

	calls := map[string]int{}
	removeA := callbacks.Add(func() { calls["a"] += 1 })
	callbacks.Add(func() { calls["b"] += 1 })

	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, calls, map[string]int{"a": 1, "b": 1})

	removeA()
	// removing twice is safe
	removeA()

	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, calls, map[string]int{"a": 1, "b": 2})
}
