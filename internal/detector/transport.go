package detector

import (
	"fmt"
	"net"
	"net/netip"
)

// maxDatagram bounds a membership datagram; LIST for a full pool stays far below it
const maxDatagram = 64 << 10

// Transport moves membership datagrams. Recv is called from a single
// goroutine; Send may be called concurrently.
type Transport interface {
	Send(to netip.AddrPort, b []byte) error
	Recv() ([]byte, netip.AddrPort, error)
	Close() error
}

// UDPTransport is the production Transport
type UDPTransport struct {
	conn *net.UDPConn
	buf  []byte
}

// ListenUDP binds an IPv4 UDP socket on addr
func ListenUDP(addr netip.AddrPort) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to bind membership socket %s: %w", addr, err)
	}
	return &UDPTransport{conn: conn, buf: make([]byte, maxDatagram)}, nil
}

// LocalAddr returns the bound address
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (t *UDPTransport) Send(to netip.AddrPort, b []byte) error {
	_, err := t.conn.WriteToUDPAddrPort(b, to)
	return err
}

func (t *UDPTransport) Recv() ([]byte, netip.AddrPort, error) {
	n, from, err := t.conn.ReadFromUDPAddrPort(t.buf)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	out := make([]byte, n)
	copy(out, t.buf[:n])
	return out, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), nil
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
