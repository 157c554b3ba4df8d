package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/devrev/swimfs/internal/model"
)

const (
	opcodeLen   = 4
	identityLen = 8 + 4 + 2 // birth time, IPv4, port
	slotPairLen = 4 + 4
)

// Datagram is a decoded membership message. Which fields are meaningful
// depends on Op.
type Datagram struct {
	Op Opcode

	// JOIN, NEWN, PING, ACKD
	Identity model.NodeIdentity
	// LEAV, FAIL
	BirthTime uint64
	// LIST
	Members []model.NodeIdentity
	// PINR, PINI, ACKI carry both; ACKR carries only Target
	Target    uint32
	Requestor uint32
}

// EncodeDatagram serializes d into a single UDP payload
func EncodeDatagram(d *Datagram) ([]byte, error) {
	switch d.Op {
	case OpJoin, OpNewNode, OpPing, OpAck:
		b := make([]byte, opcodeLen, opcodeLen+identityLen)
		copy(b, d.Op)
		return appendIdentity(b, d.Op, d.Identity)

	case OpLeave, OpFail:
		b := make([]byte, opcodeLen, opcodeLen+8)
		copy(b, d.Op)
		return binary.BigEndian.AppendUint64(b, d.BirthTime), nil

	case OpList:
		payload := len(d.Members) * identityLen
		b := make([]byte, opcodeLen, opcodeLen+4+payload)
		copy(b, d.Op)
		b = binary.BigEndian.AppendUint32(b, uint32(payload))
		var err error
		for _, m := range d.Members {
			if b, err = appendIdentity(b, d.Op, m); err != nil {
				return nil, err
			}
		}
		return b, nil

	case OpPingReq, OpPingInd, OpAckInd:
		b := make([]byte, opcodeLen, opcodeLen+slotPairLen)
		copy(b, d.Op)
		b = binary.BigEndian.AppendUint32(b, d.Target)
		return binary.BigEndian.AppendUint32(b, d.Requestor), nil

	case OpAckRelay:
		b := make([]byte, opcodeLen, opcodeLen+4)
		copy(b, d.Op)
		return binary.BigEndian.AppendUint32(b, d.Target), nil
	}
	return nil, fmt.Errorf("wire: cannot encode datagram opcode %q", d.Op)
}

// DecodeDatagram parses one UDP payload. Unknown opcodes and length
// mismatches are reported as *ProtocolError.
func DecodeDatagram(b []byte) (*Datagram, error) {
	if len(b) < opcodeLen {
		return nil, &ProtocolError{Err: ErrMalformed, Msg: fmt.Sprintf("datagram of %d bytes", len(b))}
	}
	d := &Datagram{Op: Opcode(b[:opcodeLen])}
	body := b[opcodeLen:]

	switch d.Op {
	case OpJoin, OpNewNode, OpPing, OpAck:
		if len(body) != identityLen {
			return nil, malformed(d.Op, "identity of %d bytes", len(body))
		}
		d.Identity = readIdentity(body)

	case OpLeave, OpFail:
		if len(body) != 8 {
			return nil, malformed(d.Op, "birth time of %d bytes", len(body))
		}
		d.BirthTime = binary.BigEndian.Uint64(body)

	case OpList:
		if len(body) < 4 {
			return nil, malformed(d.Op, "missing payload length")
		}
		payload := binary.BigEndian.Uint32(body)
		body = body[4:]
		if int(payload) != len(body) || payload%identityLen != 0 {
			return nil, malformed(d.Op, "declared payload %d, received %d", payload, len(body))
		}
		d.Members = make([]model.NodeIdentity, 0, len(body)/identityLen)
		for off := 0; off < len(body); off += identityLen {
			d.Members = append(d.Members, readIdentity(body[off:off+identityLen]))
		}

	case OpPingReq, OpPingInd, OpAckInd:
		if len(body) != slotPairLen {
			return nil, malformed(d.Op, "slot pair of %d bytes", len(body))
		}
		d.Target = binary.BigEndian.Uint32(body)
		d.Requestor = binary.BigEndian.Uint32(body[4:])

	case OpAckRelay:
		if len(body) != 4 {
			return nil, malformed(d.Op, "slot of %d bytes", len(body))
		}
		d.Target = binary.BigEndian.Uint32(body)

	default:
		return nil, unknown(b[:opcodeLen])
	}
	return d, nil
}

func appendIdentity(b []byte, op Opcode, id model.NodeIdentity) ([]byte, error) {
	addr := id.Addr.Addr().Unmap()
	if !addr.Is4() {
		return nil, fmt.Errorf("wire: %s: identity address %s is not IPv4", op, id.Addr)
	}
	b = binary.BigEndian.AppendUint64(b, id.BirthTime)
	ip := addr.As4()
	b = append(b, ip[:]...)
	return binary.BigEndian.AppendUint16(b, id.Addr.Port()), nil
}

func readIdentity(b []byte) model.NodeIdentity {
	var ip [4]byte
	copy(ip[:], b[8:12])
	return model.NodeIdentity{
		BirthTime: binary.BigEndian.Uint64(b),
		Addr:      netip.AddrPortFrom(netip.AddrFrom4(ip), binary.BigEndian.Uint16(b[12:14])),
	}
}
