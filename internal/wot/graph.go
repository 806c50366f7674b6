package wot

import (
	"context"
	"time"

	"github.com/cordx56/xrypton-go/internal/store"
)

// GraphQuery is the clamped, validated form of a /keys/{fp}/signatures request.
// RootFingerprint is excluded from the echoed "query" object: it is already
// carried at the top level of GraphResult as root_fingerprint.
type GraphQuery struct {
	RootFingerprint string `json:"-"`
	Direction       string `json:"direction"` // "inbound", "outbound", or "both"
	MaxDepth        int    `json:"max_depth"`
	MaxNodes        int    `json:"max_nodes"`
	MaxEdges        int    `json:"max_edges"`
}

// ClampGraphQuery applies spec §4.H's clamps and defaults.
func ClampGraphQuery(root, direction string, depth, nodes, edges int) GraphQuery {
	q := GraphQuery{RootFingerprint: root, Direction: direction}
	q.MaxDepth = clamp(depth, MinDepth, MaxDepth, DefaultDepth)
	q.MaxNodes = clamp(nodes, MinNodes, MaxNodes, DefaultNodeLimit)
	q.MaxEdges = clamp(edges, MinEdges, MaxEdgeLimit, DefaultEdgeCap)
	if q.Direction != "inbound" && q.Direction != "outbound" {
		q.Direction = "both"
	}
	return q
}

func clamp(v, min, max, fallback int) int {
	if v == 0 {
		return fallback
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Limits reports which clamps were hit during a graph read.
type Limits struct {
	DepthCapped  bool  `json:"depth_capped"`
	NodeCapped   bool  `json:"node_capped"`
	EdgeCapped   bool  `json:"edge_capped"`
	TimeBudgetMS int64 `json:"time_budget_ms"`
}

// GraphMeta is the meta block of a graph read response (spec §4.H).
type GraphMeta struct {
	ServerTime       time.Time `json:"server_time"`
	Truncated        bool      `json:"truncated"`
	LimitsApplied    Limits    `json:"limits_applied"`
	DataFreshnessSec int64     `json:"data_freshness_sec"`
}

// GraphResult is the response to a bounded BFS read.
type GraphResult struct {
	RootFingerprint string      `json:"root_fingerprint"`
	Query           GraphQuery  `json:"query"`
	Nodes           []GraphNode `json:"nodes"`
	Edges           []GraphEdge `json:"edges"`
	Meta            GraphMeta   `json:"meta"`
}

// GraphNode is one visited fingerprint, with its user id when known.
type GraphNode struct {
	Fingerprint string `json:"fingerprint"`
	UserID      string `json:"user_id,omitempty"`
}

// GraphEdge is one certification edge in wire form.
type GraphEdge struct {
	SignatureID     uint      `json:"signature_id"`
	FromFingerprint string    `json:"from_fingerprint"`
	ToFingerprint   string    `json:"to_fingerprint"`
	SignatureB64    string    `json:"signature_b64"`
	SignatureHash   string    `json:"signature_hash"`
	ReceivedAt      time.Time `json:"received_at"`
}

// Read performs the bounded breadth-first traversal rooted at q.RootFingerprint
// (spec §4.H algorithm), dropping tombstoned nodes/edges from the result.
func (s *Service) Read(ctx context.Context, q GraphQuery) (*GraphResult, error) {
	start := time.Now()
	deadline := start.Add(WallClockBudget)

	seenNodes := map[string]bool{q.RootFingerprint: true}
	frontier := []string{q.RootFingerprint}
	var edges []store.WotSignature
	seenEdges := map[uint]bool{}
	limits := Limits{}
	truncated := false

	for depth := 0; depth < q.MaxDepth && len(frontier) > 0; depth++ {
		if time.Now().After(deadline) {
			truncated = true
			break
		}

		layerEdges, err := s.wot.EdgesForFrontier(ctx, frontier, q.Direction)
		if err != nil {
			return nil, err
		}

		var nextFrontier []string
		edgeCapHit := false
		for _, e := range layerEdges {
			if e.SignerFingerprint == e.TargetFingerprint {
				continue
			}
			if seenEdges[e.ID] {
				continue
			}
			if len(edges) >= q.MaxEdges {
				edgeCapHit = true
				break
			}
			seenEdges[e.ID] = true
			edges = append(edges, e)

			for _, candidate := range nextNodeCandidates(e, q.Direction, frontier) {
				if seenNodes[candidate] {
					continue
				}
				if len(seenNodes) >= q.MaxNodes {
					limits.NodeCapped = true
					truncated = true
					continue
				}
				seenNodes[candidate] = true
				nextFrontier = append(nextFrontier, candidate)
			}
		}
		if edgeCapHit {
			limits.EdgeCapped = true
			truncated = true
			break
		}

		frontier = nextFrontier
		if depth == q.MaxDepth-1 && len(frontier) > 0 {
			limits.DepthCapped = true
			truncated = true
		}
	}

	fps := make([]string, 0, len(seenNodes))
	for fp := range seenNodes {
		fps = append(fps, fp)
	}
	tombstoned, err := s.tombs.GetDeletedFingerprints(ctx, fps)
	if err != nil {
		return nil, err
	}

	edges = filterTombstonedEdges(edges, tombstoned)
	users, err := s.users.GetUsersByFingerprints(ctx, withoutTombstoned(fps, tombstoned))
	if err != nil {
		return nil, err
	}

	var nodes []GraphNode
	for _, fp := range fps {
		if tombstoned[fp] {
			continue
		}
		node := GraphNode{Fingerprint: fp}
		if u, ok := users[fp]; ok {
			node.UserID = u.ID
		}
		nodes = append(nodes, node)
	}

	elapsed := time.Since(start)
	limits.TimeBudgetMS = elapsed.Milliseconds()

	edgeDTOs := make([]GraphEdge, 0, len(edges))
	for _, e := range edges {
		edgeDTOs = append(edgeDTOs, GraphEdge{
			SignatureID:     e.ID,
			FromFingerprint: e.SignerFingerprint,
			ToFingerprint:   e.TargetFingerprint,
			SignatureB64:    e.SignatureB64,
			SignatureHash:   e.SignatureHash,
			ReceivedAt:      e.ReceivedAt,
		})
	}

	return &GraphResult{
		RootFingerprint: q.RootFingerprint,
		Query:           q,
		Nodes:           nodes,
		Edges:           edgeDTOs,
		Meta: GraphMeta{
			ServerTime:       time.Now(),
			Truncated:        truncated,
			LimitsApplied:    limits,
			DataFreshnessSec: int64(elapsed.Seconds()),
		},
	}, nil
}

func nextNodeCandidates(e store.WotSignature, direction string, frontier []string) []string {
	switch direction {
	case "inbound":
		return []string{e.SignerFingerprint}
	case "outbound":
		return []string{e.TargetFingerprint}
	default:
		frontierSet := make(map[string]bool, len(frontier))
		for _, f := range frontier {
			frontierSet[f] = true
		}
		var out []string
		if !frontierSet[e.SignerFingerprint] {
			out = append(out, e.SignerFingerprint)
		}
		if !frontierSet[e.TargetFingerprint] {
			out = append(out, e.TargetFingerprint)
		}
		return out
	}
}

func filterTombstonedEdges(edges []store.WotSignature, tombstoned map[string]bool) []store.WotSignature {
	out := edges[:0]
	for _, e := range edges {
		if tombstoned[e.SignerFingerprint] || tombstoned[e.TargetFingerprint] {
			continue
		}
		out = append(out, e)
	}
	return out
}

func withoutTombstoned(fps []string, tombstoned map[string]bool) []string {
	out := make([]string, 0, len(fps))
	for _, fp := range fps {
		if !tombstoned[fp] {
			out = append(out, fp)
		}
	}
	return out
}
