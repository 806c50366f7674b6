package wot

import (
	"context"
	"testing"
	"time"

	"github.com/cordx56/xrypton-go/internal/noncestore"
	"github.com/cordx56/xrypton-go/internal/store"
)

type fakeUsers struct {
	byFingerprint map[string]*store.User
}

func (f *fakeUsers) GetUser(ctx context.Context, id string) (*store.User, error) {
	return nil, store.ErrNotFound
}
func (f *fakeUsers) GetUserByFingerprint(ctx context.Context, fp string) (*store.User, error) {
	if u, ok := f.byFingerprint[fp]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}
func (f *fakeUsers) GetUserCaseInsensitive(ctx context.Context, id string) (*store.User, error) {
	return nil, store.ErrNotFound
}
func (f *fakeUsers) CreateUser(ctx context.Context, u *store.User, p *store.Profile) error {
	return nil
}
func (f *fakeUsers) UpdateUserKeys(ctx context.Context, id, encKey, signKey, fp string) error {
	return nil
}
func (f *fakeUsers) UpsertExternalUser(ctx context.Context, u *store.User) error { return nil }
func (f *fakeUsers) DeleteUser(ctx context.Context, id string) error             { return nil }
func (f *fakeUsers) GetProfile(ctx context.Context, id string) (*store.Profile, error) {
	return nil, store.ErrNotFound
}
func (f *fakeUsers) UpdateProfile(ctx context.Context, p *store.Profile) error { return nil }

type fakeWot struct {
	signatures map[string]*store.WotSignature
	edges      []store.WotSignature
}

func newFakeWot() *fakeWot { return &fakeWot{signatures: make(map[string]*store.WotSignature)} }

func (f *fakeWot) InsertSignature(ctx context.Context, s *store.WotSignature) error {
	if _, exists := f.signatures[s.SignatureHash]; exists {
		return store.ErrAlreadyExists
	}
	f.signatures[s.SignatureHash] = s
	return nil
}

// EdgesForFrontier mimics the storage query graph.go's BFS depends on:
// edges touching any fingerprint in fps, restricted to the side direction
// names (outbound: frontier is the signer; inbound: frontier is the target).
func (f *fakeWot) EdgesForFrontier(ctx context.Context, fps []string, direction string) ([]store.WotSignature, error) {
	frontier := make(map[string]bool, len(fps))
	for _, fp := range fps {
		frontier[fp] = true
	}
	var out []store.WotSignature
	for _, e := range f.edges {
		switch direction {
		case "outbound":
			if frontier[e.SignerFingerprint] {
				out = append(out, e)
			}
		case "inbound":
			if frontier[e.TargetFingerprint] {
				out = append(out, e)
			}
		default:
			if frontier[e.SignerFingerprint] || frontier[e.TargetFingerprint] {
				out = append(out, e)
			}
		}
	}
	return out, nil
}
func (f *fakeWot) GetUsersByFingerprints(ctx context.Context, fps []string) (map[string]*store.User, error) {
	return map[string]*store.User{}, nil
}

type fakeTombs struct{ deleted map[string]bool }

func (f *fakeTombs) InsertTombstone(ctx context.Context, t *store.Tombstone) error { return nil }
func (f *fakeTombs) IsDeleted(ctx context.Context, id string) (bool, error)        { return false, nil }
func (f *fakeTombs) GetDeletedFingerprints(ctx context.Context, fps []string) (map[string]bool, error) {
	return f.deleted, nil
}

type fakeNonceBackend struct{ used map[string]bool }

func newFakeNonceBackend() *fakeNonceBackend { return &fakeNonceBackend{used: make(map[string]bool)} }

func (f *fakeNonceBackend) TryUse(ctx context.Context, typ store.NonceType, value, userID string, expiresAt time.Time) (bool, error) {
	k := string(typ) + ":" + value
	if f.used[k] {
		return false, nil
	}
	f.used[k] = true
	return true, nil
}
func (f *fakeNonceBackend) IsUsed(ctx context.Context, typ store.NonceType, value string) (bool, error) {
	return f.used[string(typ)+":"+value], nil
}
func (f *fakeNonceBackend) SweepExpired(ctx context.Context) (int64, error) { return 0, nil }

func TestIngressRejectsWrongSignatureType(t *testing.T) {
	s := New(&fakeUsers{}, newFakeWot(), &fakeTombs{}, noncestore.New(newFakeNonceBackend(), nil), nil)
	_, err := s.Ingress(context.Background(), nil, "TARGET", IngressRequest{
		SignatureType: "detached",
		HashAlgo:      "sha256",
	})
	if err == nil {
		t.Fatal("expected rejection for non-certification signature_type")
	}
}

func TestIngressRejectsMalformedUUID(t *testing.T) {
	s := New(&fakeUsers{}, newFakeWot(), &fakeTombs{}, noncestore.New(newFakeNonceBackend(), nil), nil)
	_, err := s.Ingress(context.Background(), nil, "TARGET", IngressRequest{
		SignatureType: "certification",
		HashAlgo:      "sha256",
		QRNonceRandom: "not-a-uuid",
	})
	if err == nil {
		t.Fatal("expected rejection for malformed qr_nonce.random")
	}
}

func TestClampGraphQuery(t *testing.T) {
	q := ClampGraphQuery("FP", "inbound", 0, 0, 0)
	if q.MaxDepth != DefaultDepth || q.MaxNodes != DefaultNodeLimit || q.MaxEdges != DefaultEdgeCap {
		t.Errorf("expected defaults, got %+v", q)
	}

	q2 := ClampGraphQuery("FP", "sideways", 99, 99999, 99999)
	if q2.MaxDepth != MaxDepth || q2.MaxNodes != MaxNodes || q2.MaxEdges != MaxEdgeLimit {
		t.Errorf("expected clamped maxima, got %+v", q2)
	}
	if q2.Direction != "both" {
		t.Errorf("expected invalid direction to fall back to both, got %q", q2.Direction)
	}
}

func chainEdge(id uint, from, to string) store.WotSignature {
	return store.WotSignature{ID: id, SignerFingerprint: from, TargetFingerprint: to}
}

func newGraphService(wotStore *fakeWot, tombs *fakeTombs) *Service {
	return New(&fakeUsers{byFingerprint: map[string]*store.User{}}, wotStore, tombs, noncestore.New(newFakeNonceBackend(), nil), nil)
}

func TestReadCapsDepth(t *testing.T) {
	w := newFakeWot()
	w.edges = []store.WotSignature{
		chainEdge(1, "A", "B"),
		chainEdge(2, "B", "C"),
		chainEdge(3, "C", "D"),
		chainEdge(4, "D", "E"),
	}
	s := newGraphService(w, &fakeTombs{})

	q := ClampGraphQuery("A", "outbound", 2, 1000, 3000)
	result, err := s.Read(context.Background(), q)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !result.Meta.LimitsApplied.DepthCapped {
		t.Error("expected depth_capped to be true")
	}
	if !result.Meta.Truncated {
		t.Error("expected truncated to be true")
	}
	if len(result.Nodes) != 3 {
		t.Errorf("expected 3 nodes (A, B, C) at depth 2, got %d: %+v", len(result.Nodes), result.Nodes)
	}
	if len(result.Edges) != 2 {
		t.Errorf("expected 2 edges within depth 2, got %d", len(result.Edges))
	}
}

func TestReadCapsNodes(t *testing.T) {
	w := newFakeWot()
	w.edges = []store.WotSignature{
		chainEdge(1, "A", "B"),
		chainEdge(2, "A", "C"),
		chainEdge(3, "A", "D"),
	}
	s := newGraphService(w, &fakeTombs{})

	// Root (A) plus 2 more fingerprints allowed; the third candidate (D)
	// must be rejected from the node set even though its edge is kept.
	q := ClampGraphQuery("A", "outbound", 4, 3, 3000)
	result, err := s.Read(context.Background(), q)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !result.Meta.LimitsApplied.NodeCapped {
		t.Error("expected node_capped to be true")
	}
	if len(result.Nodes) != 3 {
		t.Errorf("expected 3 nodes (A, B, C), got %d: %+v", len(result.Nodes), result.Nodes)
	}
	for _, n := range result.Nodes {
		if n.Fingerprint == "D" {
			t.Error("expected D to be excluded by the node cap")
		}
	}
	if len(result.Edges) != 3 {
		t.Errorf("expected all 3 edges kept even though D's node was capped, got %d", len(result.Edges))
	}
}

func TestReadCapsEdges(t *testing.T) {
	w := newFakeWot()
	w.edges = []store.WotSignature{
		chainEdge(1, "A", "B"),
		chainEdge(2, "A", "C"),
	}
	s := newGraphService(w, &fakeTombs{})

	q := ClampGraphQuery("A", "outbound", 4, 1000, 1)
	result, err := s.Read(context.Background(), q)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !result.Meta.LimitsApplied.EdgeCapped {
		t.Error("expected edge_capped to be true")
	}
	if !result.Meta.Truncated {
		t.Error("expected truncated to be true")
	}
	if len(result.Edges) != 1 {
		t.Errorf("expected traversal to stop after the edge cap, got %d edges", len(result.Edges))
	}
	if len(result.Nodes) != 2 {
		t.Errorf("expected only A and B reached before the edge cap, got %d: %+v", len(result.Nodes), result.Nodes)
	}
}

func TestReadFiltersTombstonedNodesAndEdges(t *testing.T) {
	w := newFakeWot()
	w.edges = []store.WotSignature{
		chainEdge(1, "A", "B"),
		chainEdge(2, "A", "C"),
	}
	s := newGraphService(w, &fakeTombs{deleted: map[string]bool{"B": true}})

	q := ClampGraphQuery("A", "outbound", 4, 1000, 3000)
	result, err := s.Read(context.Background(), q)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for _, n := range result.Nodes {
		if n.Fingerprint == "B" {
			t.Error("expected tombstoned fingerprint B to be dropped from nodes")
		}
	}
	for _, e := range result.Edges {
		if e.ToFingerprint == "B" {
			t.Error("expected edge touching tombstoned fingerprint B to be dropped")
		}
	}
	if len(result.Nodes) != 2 {
		t.Errorf("expected A and C to remain, got %d: %+v", len(result.Nodes), result.Nodes)
	}
	if len(result.Edges) != 1 {
		t.Errorf("expected only the A->C edge to survive, got %d", len(result.Edges))
	}
}
