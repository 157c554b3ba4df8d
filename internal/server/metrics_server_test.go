package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/swimfs/internal/health"
	"github.com/devrev/swimfs/internal/metrics"
	"github.com/devrev/swimfs/internal/model"
)

type fakeNode struct {
	self    model.Member
	members []model.Member
	files   []model.FileRecord
}

func (f *fakeNode) Self() model.Member { return f.self }
func (f *fakeNode) State() model.NodeState { return model.NodeStateJoined }
func (f *fakeNode) Members() []model.Member { return f.members }
func (f *fakeNode) AliveSlots() []int { return []int{1, 2} }
func (f *fakeNode) LocalFiles() []model.FileRecord { return f.files }
func (f *fakeNode) HealthMetrics() model.HealthMetrics { return model.HealthMetrics{Members: len(f.members)} }

func member(slot int, birth uint64) model.Member {
	addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), uint16(4950+slot))
	return model.Member{NodeIdentity: model.NodeIdentity{BirthTime: birth, Addr: addr}, Slot: slot}
}

func newTestServer(t *testing.T) (*MetricsServer, *metrics.Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "node-01")
	node := &fakeNode{
		self:    member(1, 100),
		members: []model.Member{member(1, 100), member(2, 200)},
		files: []model.FileRecord{
			{Name: "logs/a", Role: model.RolePrimary, Size: 3, Checksum: 42},
			{Name: "logs/b", Role: model.RoleTertiary, Size: 5, Checksum: 7},
		},
	}
	hc := health.NewHealthChecker(&health.HealthCheckConfig{NodeID: "node-01", DataDir: t.TempDir()}, node, nil, zap.NewNop())
	hc.RunChecks()

	s := NewMetricsServer(&MetricsServerConfig{Port: 0, Gatherer: reg}, m, node, hc, nil, zap.NewNop())
	return s, m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMetricsEndpoint(t *testing.T) {
	s, m := newTestServer(t)
	m.UpdateMembers(2)
	s.updateSystemMetrics()

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `swimfs_membership_members{node_id="node-01"} 2`)
	assert.True(t, strings.Contains(body, "swimfs_system_goroutines"))
}

func TestMembershipEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s.Handler(), "/membership")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Self       memberView   `json:"self"`
		State      string       `json:"state"`
		Members    []memberView `json:"members"`
		AliveSlots []int        `json:"alive_slots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Self.Slot)
	assert.Equal(t, "127.0.0.1:4951", body.Self.Addr)
	assert.Equal(t, model.NodeStateJoined.String(), body.State)
	assert.Len(t, body.Members, 2)
	assert.Equal(t, []int{1, 2}, body.AliveSlots)
}

func TestFileEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s.Handler(), "/files")
	require.Equal(t, http.StatusOK, rec.Code)
	var files []fileView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.Len(t, files, 2)
	assert.Equal(t, "primary", files[0].Role)

	rec = get(t, s.Handler(), "/files/logs/b")
	require.Equal(t, http.StatusOK, rec.Code)
	var file fileView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &file))
	assert.Equal(t, "tertiary", file.Role)
	assert.Equal(t, uint32(7), file.Checksum)

	rec = get(t, s.Handler(), "/files/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProbeRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/health").Code)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/ready").Code)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
