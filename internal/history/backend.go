package history

import "context"

// Backend is the narrow storage contract for the append-only node log and
// the per-branch ordering index. Two implementations exist, git
// repositories on disk (gitstore) and relational tables (store), and the
// engine's correctness must not depend on which one is wired in.
//
// All addressing is by opaque ref id, not branch name; branch naming and
// metadata live in the relational catalog regardless of backend.
type Backend interface {
	// CreateProject initializes storage for a project with an empty trunk
	// branch identified by trunkRefID.
	CreateProject(ctx context.Context, projectID, trunkRefID string) error

	// Append stores the node, advances the branch tip to it, and extends
	// the ordering index by one entry, atomically. The node arrives fully
	// populated (id, parent, timestamp). Caller holds the branch lock.
	Append(ctx context.Context, projectID, refID string, node Node) error

	// HeadOf returns the branch's tip node id, or "" for an empty branch.
	HeadOf(ctx context.Context, projectID, refID string) (string, error)

	// OrderingIDs returns the branch's full ordering, ancestor-first.
	OrderingIDs(ctx context.Context, projectID, refID string) ([]string, error)

	// ReadOrdered returns nodes in ascending ordinal order. A limit of 0
	// means no limit; beforeOrdinal < 0 means "from the end".
	ReadOrdered(ctx context.Context, projectID, refID string, limit, beforeOrdinal int) ([]Node, error)

	// GetNode reads one node reachable from the branch.
	GetNode(ctx context.Context, projectID, refID, nodeID string) (Node, error)

	// NodeCount returns the branch's ordering length.
	NodeCount(ctx context.Context, projectID, refID string) (int, error)

	// Fork creates a new branch whose ordering is exactly the given id
	// sequence (a prefix of the source branch's ordering) and whose tip is
	// the sequence's last element. An empty sequence yields an empty
	// branch. Caller holds the project lock.
	Fork(ctx context.Context, projectID, sourceRefID, newRefID string, ordering []string) error

	// RebuildOrdering recomputes the branch's ordering from the tip's
	// parent chain and replaces the stored rows, returning the new length.
	// Idempotent. Caller holds the branch lock.
	RebuildOrdering(ctx context.Context, projectID, refID string) (int, error)
}
