package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/devrev/swimfs/internal/model"
)

const (
	// MaxStringLen bounds every length-prefixed string on the stream
	MaxStringLen = 64 << 10
	// MaxNames bounds the name lists carried by UPDA and FNAM
	MaxNames = 1 << 20
)

// Message is a decoded storage message. Which fields are meaningful depends
// on Op:
//
//	PUT<role>   Name, Size, Body
//	GET<role>   Sender (requestor), Name, LocalName
//	DELT, NFIL  Name
//	FILE        Name, Size, Body
//	UPDA<role>  Sender, Names
//	QURY        Sender (requestor), Name
//	EXST        Sender, Role, Name
//	GEF         Sender (requestor), Name (prefix)
//	FNAM        Sender, Names
type Message struct {
	Op        Opcode
	Role      model.Role
	Sender    uint32
	Name      string
	LocalName string
	Names     []string
	Size      uint32
	Body      io.Reader
}

// Tag returns the opcode as it appears on the wire, including the role byte
func (m *Message) Tag() string {
	switch m.Op {
	case OpPut, OpGet, OpUpdate:
		return string(m.Op) + string(rune(m.Role))
	}
	return string(m.Op)
}

type encoder struct {
	w   *bufio.Writer
	err error
}

func (e *encoder) bytes(b []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.bytes(b[:])
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	if e.err == nil {
		_, e.err = e.w.WriteString(s)
	}
}

func (e *encoder) names(names []string) {
	e.u32(uint32(len(names)))
	for _, n := range names {
		e.str(n)
	}
}

// WriteMessage encodes m onto w. For PUT and FILE exactly m.Size bytes are
// copied from m.Body.
func WriteMessage(w io.Writer, m *Message) error {
	bw := bufio.NewWriter(w)
	e := &encoder{w: bw}

	switch m.Op {
	case OpPut, OpGet, OpUpdate:
		if !m.Role.Valid() {
			return fmt.Errorf("wire: %s: invalid role %q", m.Op, byte(m.Role))
		}
	}
	e.bytes([]byte(m.Tag()))

	switch m.Op {
	case OpPut, OpFile:
		if len(m.Name) > MaxStringLen {
			return fmt.Errorf("wire: %s: name of %d bytes", m.Op, len(m.Name))
		}
		e.u32(uint32(len(m.Name)))
		e.u32(m.Size)
		e.bytes([]byte(m.Name))
		if e.err == nil && m.Size > 0 {
			var n int64
			n, e.err = io.CopyN(bw, m.Body, int64(m.Size))
			if e.err != nil {
				e.err = fmt.Errorf("wire: %s body: copied %d of %d bytes: %w", m.Op, n, m.Size, e.err)
			}
		}
	case OpGet:
		e.u32(m.Sender)
		e.u32(uint32(len(m.Name)))
		e.u32(uint32(len(m.LocalName)))
		e.bytes([]byte(m.Name))
		e.bytes([]byte(m.LocalName))
	case OpDelete, OpNotFound:
		e.str(m.Name)
	case OpUpdate, OpNames:
		e.u32(m.Sender)
		e.names(m.Names)
	case OpQuery, OpListReq:
		e.u32(m.Sender)
		e.str(m.Name)
	case OpExists:
		e.u32(m.Sender)
		e.bytes([]byte{byte(m.Role)})
		e.str(m.Name)
	default:
		return fmt.Errorf("wire: cannot encode stream opcode %q", m.Op)
	}

	if e.err != nil {
		return e.err
	}
	return bw.Flush()
}

type decoder struct {
	r   *bufio.Reader
	op  Opcode
	err error
}

func (d *decoder) full(n int) []byte {
	if d.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.err = err
		return nil
	}
	return b
}

func (d *decoder) u32() uint32 {
	b := d.full(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) length() int {
	n := d.u32()
	if d.err == nil && n > MaxStringLen {
		d.err = malformed(d.op, "string length %d", n)
	}
	return int(n)
}

func (d *decoder) str() string {
	n := d.length()
	return string(d.full(n))
}

func (d *decoder) role() model.Role {
	b := d.full(1)
	if b == nil {
		return 0
	}
	r := model.Role(b[0])
	if !r.Valid() {
		d.err = malformed(d.op, "role byte %q", b[0])
	}
	return r
}

func (d *decoder) names() []string {
	n := d.u32()
	if d.err == nil && n > MaxNames {
		d.err = malformed(d.op, "%d names", n)
	}
	if d.err != nil {
		return nil
	}
	names := make([]string, 0, min(int(n), 1024))
	for i := uint32(0); i < n && d.err == nil; i++ {
		names = append(names, d.str())
	}
	return names
}

// ReadMessage decodes one message from r. For PUT and FILE the returned
// Body reads the content directly from r and must be drained before r is
// used again. A clean EOF before the first byte is returned as io.EOF.
func ReadMessage(r *bufio.Reader) (*Message, error) {
	head := make([]byte, 3)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}

	d := &decoder{r: r}
	m := &Message{}
	switch Opcode(head) {
	case OpPut, OpGet:
		m.Op = Opcode(head)
		d.op = m.Op
		m.Role = d.role()
	case OpListReq:
		m.Op = OpListReq
	default:
		b := d.full(1)
		if d.err != nil {
			return nil, d.err
		}
		m.Op = Opcode(append(head, b[0]))
		d.op = m.Op
		switch m.Op {
		case OpUpdate:
			m.Role = d.role()
		case OpDelete, OpFile, OpNotFound, OpQuery, OpExists, OpNames:
		default:
			return nil, unknown([]byte(m.Op))
		}
	}
	d.op = m.Op

	switch m.Op {
	case OpPut, OpFile:
		nameLen := d.length()
		m.Size = d.u32()
		m.Name = string(d.full(nameLen))
		if d.err == nil {
			m.Body = io.LimitReader(r, int64(m.Size))
		}
	case OpGet:
		m.Sender = d.u32()
		nameLen := d.length()
		localLen := d.length()
		m.Name = string(d.full(nameLen))
		m.LocalName = string(d.full(localLen))
	case OpDelete, OpNotFound:
		m.Name = d.str()
	case OpUpdate, OpNames:
		m.Sender = d.u32()
		m.Names = d.names()
	case OpQuery, OpListReq:
		m.Sender = d.u32()
		m.Name = d.str()
	case OpExists:
		m.Sender = d.u32()
		m.Role = d.role()
		m.Name = d.str()
	}

	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}
