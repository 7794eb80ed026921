// Package command implements the opcode parser and dispatcher: it turns a
// decoded plaintext command body into a call against the ACL and the
// database registry, and encodes the reply.
package command

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sergz72/smarthome-filestore/internal/acl"
	"github.com/sergz72/smarthome-filestore/internal/kvcodec"
	"github.com/sergz72/smarthome-filestore/internal/registry"
)

// Opcodes, the first byte of a decoded command body.
const (
	OpGet             byte = 0
	OpSet             byte = 1
	OpGetLast         byte = 2
	OpGetFileVersion  byte = 3
)

var (
	// ErrMalformed covers every framing-level parse failure: a body too
	// short, a zero or overrunning name length, a parameter block of the
	// wrong size, or batch trailing bytes.
	ErrMalformed = errors.New("malformed command")

	// ErrInvalidCommand is returned for an opcode outside {0,1,2,3}.
	ErrInvalidCommand = errors.New("invalid command")
)

// successFlag is the leading byte of every successful reply: the in-band
// "no error" marker. Framing-level errors are never encoded in-band; the
// surrounding framing layer reports them its own way.
const successFlag = 0

// Dispatcher routes a decoded command body to the database registry,
// gated by the requesting user's ACL.
type Dispatcher struct {
	registry *registry.Databases
}

// New builds a Dispatcher over reg.
func New(reg *registry.Databases) *Dispatcher {
	return &Dispatcher{registry: reg}
}

// Execute parses command's opcode and body, checks u's access, performs the
// operation, and returns the encoded reply. The error returned, if any, is
// one of ErrMalformed, ErrInvalidCommand, acl.ErrAccessDenied or
// database.ErrVersionMismatch (wrapped), or, for SET, an I/O error from
// creating or writing the database — never a half-built reply.
func (d *Dispatcher) Execute(u *acl.User, command []byte) ([]byte, error) {
	if len(command) < 1 {
		return nil, fmt.Errorf("empty command: %w", ErrMalformed)
	}

	opcode := command[0]
	body := command[1:]

	switch opcode {
	case OpGet:
		return d.runGet(u, body)
	case OpSet:
		return d.runSet(u, body)
	case OpGetLast:
		return d.runGetLast(u, body)
	case OpGetFileVersion:
		return d.runGetFileVersion(u, body)
	default:
		return nil, fmt.Errorf("opcode %d: %w", opcode, ErrInvalidCommand)
	}
}

func (d *Dispatcher) runGet(u *acl.User, body []byte) ([]byte, error) {
	name, rest, err := parseDatabaseName(body)
	if err != nil {
		return nil, err
	}
	if err := u.ValidateAccess(name, true); err != nil {
		return nil, err
	}
	from, to, err := parseRangeParams(rest)
	if err != nil {
		return nil, err
	}

	version, results := d.registry.Get(name, from, to)

	reply := make([]byte, 0, 9+len(results)*12)
	reply = append(reply, successFlag)
	reply = appendUint32(reply, version)
	reply = appendUint32(reply, uint32(len(results)))
	for _, f := range results {
		reply = kvcodec.EncodeRecord(reply, kvcodec.Record{Version: f.Version, Key: f.Key, Value: f.Value})
	}
	return reply, nil
}

func (d *Dispatcher) runGetLast(u *acl.User, body []byte) ([]byte, error) {
	name, rest, err := parseDatabaseName(body)
	if err != nil {
		return nil, err
	}
	if err := u.ValidateAccess(name, true); err != nil {
		return nil, err
	}
	from, to, err := parseRangeParams(rest)
	if err != nil {
		return nil, err
	}

	version, f := d.registry.GetLast(name, from, to)

	reply := make([]byte, 0, 10)
	reply = append(reply, successFlag)
	reply = appendUint32(reply, version)
	if f == nil {
		reply = append(reply, 0)
		return reply, nil
	}
	reply = append(reply, 1)
	reply = kvcodec.EncodeRecord(reply, kvcodec.Record{Version: f.Version, Key: f.Key, Value: f.Value})
	return reply, nil
}

func (d *Dispatcher) runGetFileVersion(u *acl.User, body []byte) ([]byte, error) {
	name, rest, err := parseDatabaseName(body)
	if err != nil {
		return nil, err
	}
	if err := u.ValidateAccess(name, true); err != nil {
		return nil, err
	}
	if len(rest) != 4 {
		return nil, fmt.Errorf("get_file_version parameter block: %w", ErrMalformed)
	}
	key := binary.LittleEndian.Uint32(rest)

	dbVersion, fileVersion := d.registry.GetFileVersion(name, key)

	reply := make([]byte, 0, 9)
	reply = append(reply, successFlag)
	reply = appendUint32(reply, dbVersion)
	reply = appendUint32(reply, fileVersion)
	return reply, nil
}

func (d *Dispatcher) runSet(u *acl.User, body []byte) ([]byte, error) {
	name, rest, err := parseDatabaseName(body)
	if err != nil {
		return nil, err
	}
	if err := u.ValidateAccess(name, false); err != nil {
		return nil, err
	}
	if len(rest) < 4 {
		return nil, fmt.Errorf("set missing expected_version: %w", ErrMalformed)
	}
	expectedVersion := binary.LittleEndian.Uint32(rest[:4])

	batch, err := kvcodec.DecodeBatch(rest[4:])
	if err != nil {
		return nil, fmt.Errorf("decode set batch: %w: %w", err, ErrMalformed)
	}

	if err := d.registry.Set(name, expectedVersion, batch); err != nil {
		return nil, err
	}
	return []byte{successFlag}, nil
}

// parseDatabaseName parses the name_length:u8 ‖ name_length UTF-8 bytes
// prefix shared by every opcode, and returns the remaining bytes.
func parseDatabaseName(body []byte) (name string, rest []byte, err error) {
	if len(body) < 1 {
		return "", nil, fmt.Errorf("missing name length: %w", ErrMalformed)
	}
	length := int(body[0])
	if length == 0 {
		return "", nil, fmt.Errorf("zero-length database name: %w", ErrMalformed)
	}
	if len(body)-1 < length {
		return "", nil, fmt.Errorf("database name runs past body: %w", ErrMalformed)
	}
	raw := body[1 : 1+length]
	if !isValidDatabaseName(raw) {
		return "", nil, fmt.Errorf("invalid database name: %w", ErrMalformed)
	}
	return string(raw), body[1+length:], nil
}

// isValidDatabaseName enforces UTF-8 validity (already guaranteed by a
// direct string conversion only for well-formed input, so checked
// explicitly here) and rejects path separators, a leading ".", and
// embedded NUL bytes as a hardening step, since nothing upstream of this
// check filters names before they reach the filesystem layer.
func isValidDatabaseName(raw []byte) bool {
	if !utf8.Valid(raw) {
		return false
	}
	s := string(raw)
	if strings.HasPrefix(s, ".") {
		return false
	}
	return !strings.ContainsAny(s, "/\\\x00")
}

// parseRangeParams parses the from:u32 ‖ to:u32 range block that follows
// the database name in GET and GET_LAST bodies.
func parseRangeParams(rest []byte) (from, to uint32, err error) {
	if len(rest) != 8 {
		return 0, 0, fmt.Errorf("range parameter block: %w", ErrMalformed)
	}
	from = binary.LittleEndian.Uint32(rest[0:4])
	to = binary.LittleEndian.Uint32(rest[4:8])
	return from, to, nil
}

func appendUint32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}
