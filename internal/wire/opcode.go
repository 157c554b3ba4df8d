// Package wire implements the binary encodings shared by the membership and
// storage protocols. Every message starts with an ASCII opcode; multi-byte
// integers are big-endian.
package wire

import (
	"errors"
	"fmt"
)

// Opcode is the ASCII tag at the head of every message
type Opcode string

// Membership opcodes (UDP datagrams)
const (
	OpJoin     Opcode = "JOIN"
	OpList     Opcode = "LIST"
	OpNewNode  Opcode = "NEWN"
	OpLeave    Opcode = "LEAV"
	OpFail     Opcode = "FAIL"
	OpPing     Opcode = "PING"
	OpAck      Opcode = "ACKD"
	OpPingReq  Opcode = "PINR"
	OpPingInd  Opcode = "PINI"
	OpAckInd   Opcode = "ACKI"
	OpAckRelay Opcode = "ACKR"
)

// Storage opcodes (TCP streams). PUT and GET are three bytes followed by a
// role byte; UPDA is followed by a role byte.
const (
	OpPut      Opcode = "PUT"
	OpGet      Opcode = "GET"
	OpDelete   Opcode = "DELT"
	OpFile     Opcode = "FILE"
	OpNotFound Opcode = "NFIL"
	OpUpdate   Opcode = "UPDA"
	OpQuery    Opcode = "QURY"
	OpExists   Opcode = "EXST"
	OpListReq  Opcode = "GEF"
	OpNames    Opcode = "FNAM"
)

var (
	// ErrUnknownOpcode is wrapped by ProtocolError for unrecognized tags
	ErrUnknownOpcode = errors.New("unknown opcode")
	// ErrMalformed is wrapped by ProtocolError for bad lengths or fields
	ErrMalformed = errors.New("malformed message")
)

// ProtocolError reports a message that violates the wire format. Peers in
// the pool run the same build, so a ProtocolError is never retried.
type ProtocolError struct {
	Op  Opcode
	Err error
	Msg string
}

func (e *ProtocolError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("wire: %v: %s", e.Err, e.Msg)
	}
	return fmt.Sprintf("wire: %s: %v: %s", e.Op, e.Err, e.Msg)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err carries a ProtocolError
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func malformed(op Opcode, format string, args ...interface{}) error {
	return &ProtocolError{Op: op, Err: ErrMalformed, Msg: fmt.Sprintf(format, args...)}
}

func unknown(tag []byte) error {
	return &ProtocolError{Err: ErrUnknownOpcode, Msg: fmt.Sprintf("%q", tag)}
}
