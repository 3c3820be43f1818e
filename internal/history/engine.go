package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/api/internal/util"
)

// Engine drives a Backend with the branching semantics: append with
// parent resolution, fork ordering computation, ordering health checks
// and repair, and the merge algorithm.
//
// The engine takes no locks itself. Callers serialize mutations through
// the lock registry: Append, Fork, Merge, and Repair expect the relevant
// (project, branch) lock to be held.
type Engine struct {
	backend Backend
}

func New(backend Backend) *Engine {
	return &Engine{backend: backend}
}

func (e *Engine) Backend() Backend {
	return e.backend
}

// CreateProject initializes backend storage for a project and its trunk.
func (e *Engine) CreateProject(ctx context.Context, projectID, trunkRefID string) error {
	return e.backend.CreateProject(ctx, projectID, trunkRefID)
}

// Append resolves the branch tip as the new node's parent, stamps id and
// timestamp, and stores it. The branch lock must be held.
func (e *Engine) Append(ctx context.Context, projectID, refID string, node Node) (Node, error) {
	if node.Payload == nil {
		return Node{}, fmt.Errorf("append: missing payload: %w", ErrConflict)
	}
	if node.ID == "" {
		node.ID = util.NewID("node")
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}
	head, err := e.backend.HeadOf(ctx, projectID, refID)
	if err != nil {
		return Node{}, fmt.Errorf("resolve tip of %s: %w", refID, err)
	}
	node.Parent = head
	if err := e.backend.Append(ctx, projectID, refID, node); err != nil {
		return Node{}, fmt.Errorf("append to %s: %w", refID, err)
	}
	return node, nil
}

// Read returns nodes in ascending ordinal order. Reads take no locks.
func (e *Engine) Read(ctx context.Context, projectID, refID string, limit, beforeOrdinal int) ([]Node, error) {
	return e.backend.ReadOrdered(ctx, projectID, refID, limit, beforeOrdinal)
}

func (e *Engine) GetNode(ctx context.Context, projectID, refID, nodeID string) (Node, error) {
	return e.backend.GetNode(ctx, projectID, refID, nodeID)
}

func (e *Engine) NodeCount(ctx context.Context, projectID, refID string) (int, error) {
	return e.backend.NodeCount(ctx, projectID, refID)
}

func (e *Engine) HeadOf(ctx context.Context, projectID, refID string) (string, error) {
	return e.backend.HeadOf(ctx, projectID, refID)
}

// CheckOrdering probes the branch's ordering index for the gap class of
// corruption without walking the full parent chain: the tip must be the
// last ordinal, the first ordinal must be a root node, and the tip's
// parent must be the penultimate ordinal. A branch forked mid-history
// that lost its inherited prefix fails the root check immediately.
func (e *Engine) CheckOrdering(ctx context.Context, projectID, refID string) error {
	ids, err := e.backend.OrderingIDs(ctx, projectID, refID)
	if err != nil {
		return fmt.Errorf("read ordering of %s: %w", refID, err)
	}
	head, err := e.backend.HeadOf(ctx, projectID, refID)
	if err != nil {
		return fmt.Errorf("resolve tip of %s: %w", refID, err)
	}

	if len(ids) == 0 {
		if head != "" {
			return fmt.Errorf("branch %s: tip %s but empty ordering: %w", refID, head, ErrOrderingCorrupt)
		}
		return nil
	}
	if head != ids[len(ids)-1] {
		return fmt.Errorf("branch %s: tip %s is not the last ordinal: %w", refID, head, ErrOrderingCorrupt)
	}

	first, err := e.backend.GetNode(ctx, projectID, refID, ids[0])
	if errors.Is(err, ErrNotFound) {
		// An ordering row pointing at a node that no longer exists is
		// the dangling-id class; Repair drops it from the chain.
		return fmt.Errorf("branch %s: ordinal 0 node %s missing: %w", refID, ids[0], ErrOrderingCorrupt)
	}
	if err != nil {
		return fmt.Errorf("read ordinal 0 of %s: %w", refID, err)
	}
	if first.Parent != "" {
		return fmt.Errorf("branch %s: ordinal 0 has parent %s, inherited prefix missing: %w", refID, first.Parent, ErrOrderingCorrupt)
	}

	if len(ids) > 1 {
		tip, err := e.backend.GetNode(ctx, projectID, refID, head)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("branch %s: tip node %s missing: %w", refID, head, ErrOrderingCorrupt)
		}
		if err != nil {
			return fmt.Errorf("read tip of %s: %w", refID, err)
		}
		if tip.Parent != ids[len(ids)-2] {
			return fmt.Errorf("branch %s: tip parent %s does not precede it in the ordering: %w", refID, tip.Parent, ErrOrderingCorrupt)
		}
	}
	return nil
}

// Repair rebuilds the branch's ordering from the tip's parent chain and
// returns the new length. Idempotent; the branch lock must be held.
func (e *Engine) Repair(ctx context.Context, projectID, refID string) (int, error) {
	n, err := e.backend.RebuildOrdering(ctx, projectID, refID)
	if err != nil {
		return 0, fmt.Errorf("rebuild ordering of %s: %w", refID, err)
	}
	return n, nil
}

// ForkFromTip creates newRefID with a full copy of the source ordering.
// The project lock must be held.
func (e *Engine) ForkFromTip(ctx context.Context, projectID, sourceRefID, newRefID string) error {
	ids, err := e.backend.OrderingIDs(ctx, projectID, sourceRefID)
	if err != nil {
		return fmt.Errorf("read ordering of %s: %w", sourceRefID, err)
	}
	return e.backend.Fork(ctx, projectID, sourceRefID, newRefID, ids)
}

// ForkFromNode creates newRefID with the source ordering truncated at
// nodeID. The inclusive variant keeps nodeID as the new tip; the
// exclusive variant stops at its parent, for flows that replace nodeID
// itself (edit-and-resend). A nodeID outside the source branch's
// ordering is a Conflict: it belongs to some other branch's private
// history. The project lock must be held.
func (e *Engine) ForkFromNode(ctx context.Context, projectID, sourceRefID, newRefID, nodeID string, inclusive bool) error {
	ids, err := e.backend.OrderingIDs(ctx, projectID, sourceRefID)
	if err != nil {
		return fmt.Errorf("read ordering of %s: %w", sourceRefID, err)
	}
	at := -1
	for i, id := range ids {
		if id == nodeID {
			at = i
			break
		}
	}
	if at < 0 {
		return fmt.Errorf("node %s is not on branch %s: %w", nodeID, sourceRefID, ErrConflict)
	}
	end := at
	if inclusive {
		end = at + 1
	}
	return e.backend.Fork(ctx, projectID, sourceRefID, newRefID, ids[:end])
}

// MergeInput carries the caller-supplied parts of a merge.
type MergeInput struct {
	SourceBranch  string // source branch name, recorded on the merge node
	TargetBranch  string // target branch name, recorded as the node's branch
	Summary       string
	PayloadNodeID string // optional explicit payload; must be an assistant message unique to the source
	SourceCanvas  string // source branch's last committed canvas content
	TargetCanvas  string // target branch's last committed canvas content
}

// Merge appends exactly one merge node to the target branch describing
// the source branch's unique contribution. The source is read without a
// lock; it is immutable except for its own append path, so the id set
// is computed against a snapshot. The project and target branch locks
// must be held.
func (e *Engine) Merge(ctx context.Context, projectID, sourceRefID, targetRefID string, in MergeInput) (Node, error) {
	if sourceRefID == targetRefID {
		return Node{}, fmt.Errorf("merge source and target are the same branch: %w", ErrConflict)
	}

	srcIDs, err := e.backend.OrderingIDs(ctx, projectID, sourceRefID)
	if err != nil {
		return Node{}, fmt.Errorf("read ordering of %s: %w", sourceRefID, err)
	}
	tgtIDs, err := e.backend.OrderingIDs(ctx, projectID, targetRefID)
	if err != nil {
		return Node{}, fmt.Errorf("read ordering of %s: %w", targetRefID, err)
	}

	onTarget := make(map[string]struct{}, len(tgtIDs))
	for _, id := range tgtIDs {
		onTarget[id] = struct{}{}
	}
	sourceOnly := make([]string, 0, len(srcIDs))
	for _, id := range srcIDs {
		if _, ok := onTarget[id]; !ok {
			sourceOnly = append(sourceOnly, id)
		}
	}

	payloadID, payloadContent, err := e.resolveMergePayload(ctx, projectID, sourceRefID, sourceOnly, in.PayloadNodeID)
	if err != nil {
		return Node{}, err
	}

	sourceHead := ""
	if len(srcIDs) > 0 {
		sourceHead = srcIDs[len(srcIDs)-1]
	}

	merge := Merge{
		From:           in.SourceBranch,
		Summary:        in.Summary,
		SourceHead:     sourceHead,
		SourceNodeIDs:  sourceOnly,
		PayloadNodeID:  payloadID,
		PayloadContent: payloadContent,
	}
	if diff := LineDiff(in.TargetCanvas, in.SourceCanvas); diff != "" {
		merge.CanvasDiff = diff
	}

	return e.Append(ctx, projectID, targetRefID, Node{Branch: in.TargetBranch, Payload: merge})
}

// resolveMergePayload picks the node whose content represents the merge:
// the explicit id when given, otherwise the most recent assistant message
// with non-empty content unique to the source. No candidate and no
// explicit id is a Conflict; there is nothing to merge.
func (e *Engine) resolveMergePayload(ctx context.Context, projectID, sourceRefID string, sourceOnly []string, explicit string) (string, string, error) {
	if explicit != "" {
		found := false
		for _, id := range sourceOnly {
			if id == explicit {
				found = true
				break
			}
		}
		if !found {
			return "", "", fmt.Errorf("payload node %s is not unique to the source branch: %w", explicit, ErrConflict)
		}
		node, err := e.backend.GetNode(ctx, projectID, sourceRefID, explicit)
		if err != nil {
			return "", "", fmt.Errorf("read payload node %s: %w", explicit, err)
		}
		msg, ok := node.Payload.(Message)
		if !ok || msg.Role != RoleAssistant {
			return "", "", fmt.Errorf("payload node %s is not an assistant message: %w", explicit, ErrConflict)
		}
		return node.ID, msg.Content, nil
	}

	for i := len(sourceOnly) - 1; i >= 0; i-- {
		node, err := e.backend.GetNode(ctx, projectID, sourceRefID, sourceOnly[i])
		if err != nil {
			return "", "", fmt.Errorf("read candidate node %s: %w", sourceOnly[i], err)
		}
		switch p := node.Payload.(type) {
		case Message:
			if p.Role == RoleAssistant && strings.TrimSpace(p.Content) != "" {
				return node.ID, p.Content, nil
			}
		case StateSnapshot, Merge:
			// not mergeable content
		}
	}
	return "", "", fmt.Errorf("no mergeable assistant content on the source branch: %w", ErrConflict)
}
