package storage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/swimfs/internal/cluster"
	"github.com/devrev/swimfs/internal/errors"
	"github.com/devrev/swimfs/internal/wire"
)

// Sender delivers one storage message to the node at slot
type Sender interface {
	Send(ctx context.Context, slot int, m *wire.Message) error
}

// TCPSender opens one connection per message to the peer's storage port
type TCPSender struct {
	slots  *cluster.SlotTable
	dialer net.Dialer
}

// NewTCPSender creates a sender that dials peers from slots
func NewTCPSender(slots *cluster.SlotTable, dialTimeout time.Duration) *TCPSender {
	return &TCPSender{slots: slots, dialer: net.Dialer{Timeout: dialTimeout}}
}

func (t *TCPSender) Send(ctx context.Context, slot int, m *wire.Message) error {
	peer, ok := t.slots.Peer(slot)
	if !ok {
		return fmt.Errorf("no peer at slot %d", slot)
	}

	conn, err := t.dialer.DialContext(ctx, "tcp4", peer.Storage.String())
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return wire.WriteMessage(conn, m)
}

// Serve accepts storage connections on ln until ctx is cancelled. A peer
// message that violates the wire format stops the server and is returned as
// a ProtocolViolation wrapping the *wire.ProtocolError.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fatal := make(chan error, 1)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	s.logger.Info("Storage server listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case ferr := <-fatal:
				return errors.ProtocolViolation("storage channel", ferr)
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("storage accept failed: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.serveConn(ctx, conn); wire.IsProtocolError(err) {
				s.logger.Error("Protocol violation on storage channel",
					zap.String("from", conn.RemoteAddr().String()),
					zap.Error(err))
				select {
				case fatal <- err:
				default:
				}
				cancel()
			}
		}()
	}
}

func (s *Service) serveConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(s.cfg.RequestTimeout))
	r := bufio.NewReader(conn)
	m, err := wire.ReadMessage(r)
	if err != nil {
		if wire.IsProtocolError(err) {
			return err
		}
		if err != io.EOF {
			s.logger.Debug("Dropped storage connection", zap.String("from", conn.RemoteAddr().String()), zap.Error(err))
		}
		return nil
	}
	// bodies may take longer than the header
	conn.SetReadDeadline(time.Time{})

	s.metrics.RecordStorageMessage(string(m.Op), "in")
	s.dispatch(ctx, m)
	if m.Body != nil {
		io.Copy(io.Discard, m.Body)
	}
	return nil
}
