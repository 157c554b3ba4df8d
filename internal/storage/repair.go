package storage

import (
	"context"
	"os"
	"slices"

	"go.uber.org/zap"

	"github.com/devrev/swimfs/internal/model"
	"github.com/devrev/swimfs/internal/wire"
)

// handoff is a local copy whose chain moved away from this node's role
type handoff struct {
	name  string
	chain []int
	pos   int
}

// redistribute re-derives local roles after a membership change. Files whose
// chain now starts here are promoted to primary and announced to the two
// successors. A former primary that now sits further down the chain, and any
// node holding a file outside its chain, pushes the file to the new chain;
// copies outside the chain are dropped only once every member received them.
func (s *Service) redistribute(ctx context.Context) {
	s.distMu.Lock()
	defer s.distMu.Unlock()

	var primaries []string
	var handoffs []handoff
	var promoted, demoted int
	for _, rec := range s.blobs.List() {
		chain := s.ring.Chain(rec.Name)
		switch pos := slices.Index(chain, s.self); {
		case pos < 0:
			handoffs = append(handoffs, handoff{name: rec.Name, chain: chain, pos: pos})
		case pos == 0:
			if rec.Role != model.RolePrimary {
				s.blobs.SetRole(rec.Name, model.RolePrimary)
				promoted++
			}
			primaries = append(primaries, rec.Name)
		case rec.Role == model.RolePrimary:
			s.blobs.SetRole(rec.Name, model.RoleAt(pos))
			demoted++
			handoffs = append(handoffs, handoff{name: rec.Name, chain: chain, pos: pos})
		case rec.Role != model.RoleAt(pos):
			s.blobs.SetRole(rec.Name, model.RoleAt(pos))
		}
	}
	s.refreshFileGauge()

	s.logger.Info("Redistributing files",
		zap.Int("primaries", len(primaries)),
		zap.Int("promoted", promoted),
		zap.Int("demoted", demoted),
		zap.Int("handoffs", len(handoffs)))

	s.announce(ctx, primaries)

	var pruned, kept int
	for _, h := range handoffs {
		if err := s.repairs.Wait(ctx); err != nil {
			return
		}
		s.metrics.RecordRepair()
		failed := s.pushChain(ctx, h.name, h.chain, h.pos, func() (*os.File, int64, error) {
			f, rec, err := s.blobs.Open(h.name)
			return f, rec.Size, err
		})
		if h.pos >= 0 {
			continue
		}
		if failed > 0 {
			kept++
			continue
		}
		if _, ok := s.blobs.Remove(h.name); ok {
			pruned++
		}
	}
	if pruned > 0 || kept > 0 {
		s.refreshFileGauge()
		s.logger.Info("Handed off files outside their chain", zap.Int("pruned", pruned), zap.Int("kept", kept))
	}
}

// announce tells the two successors which files they hold as secondary and
// tertiary for this primary
func (s *Service) announce(ctx context.Context, primaries []string) {
	if len(primaries) == 0 {
		return
	}
	target := s.self
	for _, role := range []model.Role{model.RoleSecondary, model.RoleTertiary} {
		target = s.ring.Successor(target)
		if target == s.self {
			return
		}
		if err := s.send(ctx, target, &wire.Message{
			Op: wire.OpUpdate, Role: role, Sender: uint32(s.self), Names: primaries,
		}); err != nil {
			s.logger.Warn("Failed to send role update",
				zap.Int("target_slot", target),
				zap.String("role", role.String()),
				zap.Error(err))
		}
	}
}

// handleUpdate applies a role reassignment from a primary. Files not held
// yet are recorded as missing and fetched from that primary.
func (s *Service) handleUpdate(m *wire.Message) {
	primary := int(m.Sender)

	var fetch []string
	for _, name := range m.Names {
		if s.blobs.SetRole(name, m.Role) {
			continue
		}
		s.missingMu.Lock()
		s.missing[name] = m.Role
		s.missingMu.Unlock()
		fetch = append(fetch, name)
	}
	s.refreshFileGauge()

	s.logger.Info("Applied role update",
		zap.Int("primary", primary),
		zap.String("role", m.Role.String()),
		zap.Int("files", len(m.Names)),
		zap.Int("missing", len(fetch)))
	if len(fetch) == 0 {
		return
	}

	if err := s.pool.Go("repair", func(ctx context.Context) error {
		for _, name := range fetch {
			if err := s.repairs.Wait(ctx); err != nil {
				return err
			}
			s.metrics.RecordRepair()
			if err := s.send(ctx, primary, &wire.Message{
				Op: wire.OpGet, Role: model.RolePrimary, Sender: uint32(s.self), Name: name, LocalName: name,
			}); err != nil {
				s.missingMu.Lock()
				delete(s.missing, name)
				s.missingMu.Unlock()
				s.logger.Warn("Failed to request missing replica", zap.String("file", name), zap.Int("primary", primary), zap.Error(err))
			}
		}
		return nil
	}); err != nil {
		s.logger.Error("Failed to schedule replica repair", zap.Error(err))
	}
}
