// Package bridge implements the contract the external message-framing
// layer plugs into: the framing layer peels a fixed-length prefix off each
// datagram, resolves a per-user symmetric key for authenticated
// decryption, and — once it has a verified plaintext — calls back in here
// to run the command and get an encoded reply.
package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sergz72/smarthome-filestore/internal/acl"
	"github.com/sergz72/smarthome-filestore/internal/command"
)

// PrefixLength is the number of leading bytes the framing layer strips off
// every datagram before authenticated-decryption. It encodes the user id as
// a little-endian u32.
const PrefixLength = 4

// MinBodyLength is the shortest plaintext command body the dispatcher can
// ever act on: 1 opcode byte + 1 name-length byte + >=1 name byte + 4
// parameter bytes. The framing layer drops anything shorter without
// entering the core.
const MinBodyLength = 7

// ErrUnknownUser is returned by KeyForPrefix when prefixBytes does not
// resolve to any configured user.
var ErrUnknownUser = errors.New("unknown user")

// Bridge resolves per-user keys from a message prefix and executes
// decrypted command bodies against the dispatcher.
type Bridge struct {
	users      *acl.Table
	dispatcher *command.Dispatcher
}

// New builds a Bridge over the given user table and dispatcher.
func New(users *acl.Table, dispatcher *command.Dispatcher) *Bridge {
	return &Bridge{users: users, dispatcher: dispatcher}
}

// MessagePrefixLength reports PrefixLength; it exists so framing code can
// depend on the bridge contract rather than the constant directly.
func (b *Bridge) MessagePrefixLength() int {
	return PrefixLength
}

// MinBodyLength reports the bridge's minimum plaintext body length.
func (b *Bridge) MinBodyLength() int {
	return MinBodyLength
}

// KeyForPrefix decodes prefixBytes as a little-endian u32 user id and
// returns that user's symmetric key. ErrUnknownUser is returned when no
// configured user has that id.
func (b *Bridge) KeyForPrefix(prefixBytes []byte) ([32]byte, error) {
	if len(prefixBytes) != PrefixLength {
		return [32]byte{}, fmt.Errorf("prefix length %d: %w", len(prefixBytes), ErrUnknownUser)
	}
	id := binary.LittleEndian.Uint32(prefixBytes)
	u, ok := b.users.Lookup(id)
	if !ok {
		return [32]byte{}, fmt.Errorf("user id %d: %w", id, ErrUnknownUser)
	}
	return u.Key, nil
}

// Execute re-resolves the user from prefixBytes and runs plaintextBody
// against the dispatcher, returning the encoded reply. It is called only
// after the framing layer's authenticated decryption has succeeded.
func (b *Bridge) Execute(plaintextBody, prefixBytes []byte) ([]byte, error) {
	if len(prefixBytes) != PrefixLength {
		return nil, fmt.Errorf("prefix length %d: %w", len(prefixBytes), ErrUnknownUser)
	}
	id := binary.LittleEndian.Uint32(prefixBytes)
	u, ok := b.users.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("user id %d: %w", id, ErrUnknownUser)
	}

	if len(plaintextBody) < MinBodyLength {
		return nil, fmt.Errorf("body length %d: %w", len(plaintextBody), command.ErrMalformed)
	}

	return b.dispatcher.Execute(u, plaintextBody)
}
