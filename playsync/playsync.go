package playsync

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Peer and message ids are ulids. Ulids generated in one process are
// monotonic, and ulids generated anywhere sort by creation time at
// millisecond resolution. Host election (see `ElectHost`) relies on this:
// the lowest id among the surviving peers is the longest-lived peer.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	parsed, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(parsed), nil
}

func RequireId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// ulid string encoding preserves byte order,
// so string comparison and byte comparison agree
func (self Id) LessThan(other Id) bool {
	return bytes.Compare(self[0:16], other[0:16]) < 0
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(ulid.ULID(*self).String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 28 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid length for id: %v", len(src))
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}
