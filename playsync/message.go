package playsync

import (
	"encoding/json"
	"fmt"
)

// Wire messages. One envelope per transport message, JSON encoded. The
// payload stays raw until the type dispatch so that a relay can forward
// envelopes without decoding game state.

type MessageType string

const (
	MessageSnapshot  MessageType = "snapshot"
	MessagePatch     MessageType = "patch"
	MessageAction    MessageType = "action"
	MessageEvent     MessageType = "event"
	MessagePeerJoin  MessageType = "peer-join"
	MessagePeerLeave MessageType = "peer-leave"
	MessageHeartbeat MessageType = "heartbeat"
	// client -> host request for a fresh snapshot after a sequence gap
	MessageResync MessageType = "resync"
)

var messageTypes = map[MessageType]bool{
	MessageSnapshot:  true,
	MessagePatch:     true,
	MessageAction:    true,
	MessageEvent:     true,
	MessagePeerJoin:  true,
	MessagePeerLeave: true,
	MessageHeartbeat: true,
	MessageResync:    true,
}

type Envelope struct {
	Type     MessageType     `json:"type"`
	Seq      uint64          `json:"seq,omitempty"`
	SenderId Id              `json:"senderId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// full state, sent at session start and after host migration.
// Seq anchors the patch stream: the next patch is Seq+1.
type SnapshotPayload struct {
	Seq    uint64         `json:"seq"`
	Seed   int64          `json:"seed"`
	HostId Id             `json:"hostId"`
	State  map[string]any `json:"state"`
}

// all mutations since the previous broadcast, in order
type PatchPayload struct {
	Seq uint64   `json:"seq"`
	Ops []DiffOp `json:"ops"`
}

type EventPayload struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

type RosterPayload struct {
	PeerId Id `json:"peerId"`
}

func NewEnvelope(messageType MessageType, senderId Id, payload any) (*Envelope, error) {
	envelope := &Envelope{
		Type:     messageType,
		SenderId: senderId,
	}
	if payload != nil {
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %s", messageType, err)
		}
		envelope.Payload = payloadBytes
	}
	return envelope, nil
}

func EncodeMessage(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

func DecodeMessage(messageBytes []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(messageBytes, envelope); err != nil {
		return nil, err
	}
	if !messageTypes[envelope.Type] {
		return nil, fmt.Errorf("unknown message type %q", envelope.Type)
	}
	return envelope, nil
}

func decodePayload[T any](envelope *Envelope) (*T, error) {
	payload := new(T)
	if err := json.Unmarshal(envelope.Payload, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %s", envelope.Type, err)
	}
	return payload, nil
}
