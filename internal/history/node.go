// Package history implements the versioned conversation log: immutable
// nodes organized into branches, a per-branch ordering index with
// self-repair, and the "ours"-style merge that records a source branch's
// unique contribution on a target branch.
package history

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the node payload union.
type Kind string

const (
	KindMessage       Kind = "message"
	KindStateSnapshot Kind = "state-snapshot"
	KindMerge         Kind = "merge"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ContentBlock is one segment of a structured message body.
type ContentBlock struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Payload is the tagged union carried by a node: Message, StateSnapshot,
// or Merge. Every consumption site switches exhaustively on the concrete
// type.
type Payload interface {
	Kind() Kind
}

// Message is a conversation turn.
type Message struct {
	Role              string
	Content           string
	ContentBlocks     []ContentBlock
	RawProvider       json.RawMessage
	Interrupted       bool
	PinnedFromMergeID string
	UIHidden          bool
}

func (Message) Kind() Kind { return KindMessage }

// StateSnapshot records a committed canvas artifact by content hash. The
// content itself lives in the blob store.
type StateSnapshot struct {
	ContentHash string
}

func (StateSnapshot) Kind() Kind { return KindStateSnapshot }

// Merge summarizes a source branch's unique contribution onto the target.
// Source nodes are never spliced into the target's ordering.
type Merge struct {
	From           string
	Summary        string
	SourceHead     string
	SourceNodeIDs  []string
	CanvasDiff     string
	PayloadNodeID  string
	PayloadContent string
}

func (Merge) Kind() Kind { return KindMerge }

// Node is one immutable entry in a branch's append-only log. Parent is
// empty only for a branch's very first node.
type Node struct {
	ID        string
	Parent    string
	Branch    string
	CreatedAt time.Time
	Payload   Payload
}

// wireNode is the flat JSON shape nodes travel in, both over HTTP and in
// the git backend's object files.
type wireNode struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Parent        string          `json:"parent,omitempty"`
	Branch        string          `json:"createdOnBranch"`
	Timestamp     time.Time       `json:"timestamp"`
	Role          string          `json:"role,omitempty"`
	Content       string          `json:"content,omitempty"`
	ContentBlocks []ContentBlock  `json:"contentBlocks,omitempty"`
	RawProvider   json.RawMessage `json:"rawProvider,omitempty"`
	Interrupted   bool            `json:"interrupted,omitempty"`
	PinnedFrom    string          `json:"pinnedFromMergeId,omitempty"`
	UIHidden      bool            `json:"uiHidden,omitempty"`
	ContentHash   string          `json:"contentHash,omitempty"`
	MergeFrom     string          `json:"mergeFrom,omitempty"`
	MergeSummary  string          `json:"mergeSummary,omitempty"`
	SourceCommit  string          `json:"sourceCommit,omitempty"`
	SourceNodeIDs []string        `json:"sourceNodeIds,omitempty"`
	CanvasDiff    string          `json:"canvasDiff,omitempty"`
	PayloadNodeID string          `json:"payloadNodeId,omitempty"`
	PayloadText   string          `json:"payloadContent,omitempty"`
}

func (n Node) MarshalJSON() ([]byte, error) {
	w := wireNode{
		ID:        n.ID,
		Parent:    n.Parent,
		Branch:    n.Branch,
		Timestamp: n.CreatedAt,
	}
	switch p := n.Payload.(type) {
	case Message:
		w.Kind = KindMessage
		w.Role = p.Role
		w.Content = p.Content
		w.ContentBlocks = p.ContentBlocks
		w.RawProvider = p.RawProvider
		w.Interrupted = p.Interrupted
		w.PinnedFrom = p.PinnedFromMergeID
		w.UIHidden = p.UIHidden
	case StateSnapshot:
		w.Kind = KindStateSnapshot
		w.ContentHash = p.ContentHash
	case Merge:
		w.Kind = KindMerge
		w.MergeFrom = p.From
		w.MergeSummary = p.Summary
		w.SourceCommit = p.SourceHead
		w.SourceNodeIDs = p.SourceNodeIDs
		w.CanvasDiff = p.CanvasDiff
		w.PayloadNodeID = p.PayloadNodeID
		w.PayloadText = p.PayloadContent
	default:
		return nil, fmt.Errorf("marshal node %s: unknown payload %T", n.ID, n.Payload)
	}
	return json.Marshal(w)
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	n.ID = w.ID
	n.Parent = w.Parent
	n.Branch = w.Branch
	n.CreatedAt = w.Timestamp
	switch w.Kind {
	case KindMessage:
		n.Payload = Message{
			Role:              w.Role,
			Content:           w.Content,
			ContentBlocks:     w.ContentBlocks,
			RawProvider:       w.RawProvider,
			Interrupted:       w.Interrupted,
			PinnedFromMergeID: w.PinnedFrom,
			UIHidden:          w.UIHidden,
		}
	case KindStateSnapshot:
		n.Payload = StateSnapshot{ContentHash: w.ContentHash}
	case KindMerge:
		n.Payload = Merge{
			From:           w.MergeFrom,
			Summary:        w.MergeSummary,
			SourceHead:     w.SourceCommit,
			SourceNodeIDs:  w.SourceNodeIDs,
			CanvasDiff:     w.CanvasDiff,
			PayloadNodeID:  w.PayloadNodeID,
			PayloadContent: w.PayloadText,
		}
	default:
		return fmt.Errorf("unmarshal node %s: unknown kind %q", w.ID, w.Kind)
	}
	return nil
}
