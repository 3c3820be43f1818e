package store

import "time"

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Ref is a branch's catalog row: naming, flags, provider lock, and the
// branch's last committed canvas hash. The node log itself lives in the
// configured backend (git or relational), addressed by Ref.ID.
type Ref struct {
	ID         string
	ProjectID  string
	Name       string
	IsTrunk    bool
	IsPinned   bool
	IsHidden   bool
	Provider   string
	Model      string
	CanvasHash string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Draft is a user's mutable canvas scratch content for a branch. Never
// part of the append-only log until committed as a state-snapshot node.
type Draft struct {
	RefID       string
	UserID      string
	Content     string
	ContentHash string
	UpdatedAt   time.Time
}

// Lease is the relational fallback representation of an edit lease.
type Lease struct {
	RefID     string
	Holder    string
	ExpiresAt time.Time
}
