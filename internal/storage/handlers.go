package storage

import (
	"context"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/devrev/swimfs/internal/errors"
	"github.com/devrev/swimfs/internal/model"
	"github.com/devrev/swimfs/internal/wire"
)

func (s *Service) dispatch(ctx context.Context, m *wire.Message) {
	switch m.Op {
	case wire.OpPut:
		s.handlePut(m)
	case wire.OpGet:
		s.handleGet(ctx, m)
	case wire.OpDelete:
		s.handleDelete(ctx, m.Name)
	case wire.OpFile:
		s.handleFile(m)
	case wire.OpNotFound:
		s.handleNotFound(m.Name)
	case wire.OpUpdate:
		s.handleUpdate(m)
	case wire.OpQuery:
		s.handleQuery(ctx, m)
	case wire.OpExists:
		s.locates.deliver(m.Name, model.Replica{Slot: int(m.Sender), Role: m.Role})
	case wire.OpListReq:
		s.handleListRequest(ctx, m)
	case wire.OpNames:
		s.handleNames(m)
	}
}

// handleNames feeds a listing reply to the running ListByPrefix. Replies
// arriving between listings, or from a slot that already answered, are late
// answers to a listing that gave up on them.
func (s *Service) handleNames(m *wire.Message) {
	s.listingMu.Lock()
	c := s.listing
	s.listingMu.Unlock()
	if c != nil && c.answered(int(m.Sender), m.Names) {
		return
	}
	s.logger.Debug("Dropped late listing reply", zap.Int("from_slot", int(m.Sender)), zap.Int("names", len(m.Names)))
}

// accept writes an incoming body under role, checking name and disk first
func (s *Service) accept(name string, role model.Role, body io.Reader, size uint32) error {
	if err := s.validator.ValidateFileName(name); err != nil {
		return err
	}
	if err := s.validator.ValidateFileSize(int64(size)); err != nil {
		return err
	}
	if err := s.checkDisk(uint64(size)); err != nil {
		return err
	}
	if _, err := s.blobs.Put(name, role, body, int64(size)); err != nil {
		return errors.InternalError("failed to write replica", err)
	}
	s.metrics.RecordBytes("in", int64(size))
	s.refreshFileGauge()
	return nil
}

func (s *Service) handlePut(m *wire.Message) {
	if err := s.accept(m.Name, m.Role, m.Body, m.Size); err != nil {
		s.logger.Error("Rejected replica",
			zap.String("file", m.Name),
			zap.String("role", m.Role.String()),
			zap.Error(err))
		return
	}
	s.logger.Debug("Stored replica", zap.String("file", m.Name), zap.String("role", m.Role.String()))
}

// handleGet serves the file if held and intact, otherwise passes the request one step
// down the chain. The tertiary answers NFIL when it has nothing.
func (s *Service) handleGet(ctx context.Context, m *wire.Message) {
	requestor := int(m.Sender)

	if err := s.blobs.Verify(m.Name); err != nil && !os.IsNotExist(err) {
		s.logger.Error("Local replica failed verification, passing request down the chain",
			zap.String("file", m.Name), zap.Error(err))
	} else if f, rec, err := s.blobs.Open(m.Name); err == nil {
		defer f.Close()
		if err := s.send(ctx, requestor, &wire.Message{
			Op: wire.OpFile, Name: m.LocalName, Size: uint32(rec.Size), Body: f,
		}); err != nil {
			s.logger.Warn("Failed to deliver file", zap.String("file", m.Name), zap.Int("requestor", requestor), zap.Error(err))
		}
		return
	}

	if next, ok := m.Role.Next(); ok {
		succ := s.ring.Successor(s.self)
		fwd := *m
		fwd.Role = next
		err := s.send(ctx, succ, &fwd)
		if err == nil {
			return
		}
		s.logger.Warn("Failed to escalate fetch", zap.String("file", m.Name), zap.Int("target_slot", succ), zap.Error(err))
	}

	if err := s.send(ctx, requestor, &wire.Message{Op: wire.OpNotFound, Name: m.LocalName}); err != nil {
		s.logger.Warn("Failed to report missing file", zap.String("file", m.Name), zap.Int("requestor", requestor), zap.Error(err))
	}
}

// handleDelete drops the local copy and, unless it was the tertiary,
// forwards the delete to the successor. Nothing is forwarded when there was
// no copy, so repeated deletes stop at the first node.
func (s *Service) handleDelete(ctx context.Context, name string) {
	rec, ok := s.blobs.Remove(name)
	if !ok {
		return
	}
	s.refreshFileGauge()
	s.logger.Info("Deleted file", zap.String("file", name), zap.String("role", rec.Role.String()))

	if rec.Role == model.RoleTertiary {
		return
	}
	succ := s.ring.Successor(s.self)
	if succ == s.self {
		return
	}
	if err := s.send(ctx, succ, &wire.Message{Op: wire.OpDelete, Name: name}); err != nil {
		s.logger.Warn("Failed to forward delete", zap.String("file", name), zap.Int("target_slot", succ), zap.Error(err))
	}
}

// handleFile completes a pending fetch into a local path, or stores a copy
// that a role update told this node to hold
func (s *Service) handleFile(m *wire.Message) {
	if s.fetches.has(m.Name) {
		err := writeLocal(m.Name, m.Body, int64(m.Size))
		if err != nil {
			err = errors.InternalError("failed to write fetched file", err).WithDetail("path", m.Name)
		} else {
			s.metrics.RecordBytes("in", int64(m.Size))
		}
		s.fetches.resolve(m.Name, err)
		return
	}

	s.missingMu.Lock()
	role, ok := s.missing[m.Name]
	delete(s.missing, m.Name)
	s.missingMu.Unlock()
	if !ok {
		s.logger.Warn("Unexpected file delivery", zap.String("file", m.Name))
		return
	}

	if err := s.accept(m.Name, role, m.Body, m.Size); err != nil {
		s.logger.Error("Failed to store repaired replica", zap.String("file", m.Name), zap.Error(err))
		return
	}
	s.logger.Info("Repaired replica", zap.String("file", m.Name), zap.String("role", role.String()))
}

func (s *Service) handleNotFound(name string) {
	if s.fetches.resolve(name, errors.FileNotFound(name)) {
		return
	}
	s.missingMu.Lock()
	_, ok := s.missing[name]
	delete(s.missing, name)
	s.missingMu.Unlock()
	if ok {
		s.logger.Warn("Replica to repair no longer exists", zap.String("file", name))
	}
}

// handleQuery answers a locate query and passes it down the chain
func (s *Service) handleQuery(ctx context.Context, m *wire.Message) {
	requestor := int(m.Sender)

	role, inChain := s.ring.RoleOf(m.Name, s.self)
	if rec, ok := s.blobs.Get(m.Name); ok {
		role, inChain = rec.Role, true
		if err := s.send(ctx, requestor, &wire.Message{
			Op: wire.OpExists, Sender: uint32(s.self), Role: rec.Role, Name: m.Name,
		}); err != nil {
			s.logger.Warn("Failed to answer locate", zap.String("file", m.Name), zap.Error(err))
		}
	}
	if !inChain || role == model.RoleTertiary {
		return
	}

	succ := s.ring.Successor(s.self)
	if succ == s.self || succ == s.ring.Location(m.Name) {
		return
	}
	if err := s.send(ctx, succ, m); err != nil {
		s.logger.Warn("Failed to forward locate", zap.String("file", m.Name), zap.Int("target_slot", succ), zap.Error(err))
	}
}

func (s *Service) handleListRequest(ctx context.Context, m *wire.Message) {
	recs := s.blobs.WithPrefix(m.Name, model.RolePrimary)
	names := make([]string, 0, len(recs))
	for _, rec := range recs {
		names = append(names, rec.Name)
	}
	if err := s.send(ctx, int(m.Sender), &wire.Message{Op: wire.OpNames, Sender: uint32(s.self), Names: names}); err != nil {
		s.logger.Warn("Failed to answer listing", zap.Int("requestor", int(m.Sender)), zap.Error(err))
	}
}
