package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"loom/api/internal/canvas"
	"loom/api/internal/config"
	"loom/api/internal/history"
	"loom/api/internal/lock"
	"loom/api/internal/search"
	"loom/api/internal/store"
	"loom/api/internal/util"
)

const trunkName = "main"

var allowedRoles = map[string]struct{}{
	history.RoleUser:      {},
	history.RoleAssistant: {},
	history.RoleSystem:    {},
}

// dataStore is the slice of the catalog the service consumes.
type dataStore interface {
	InsertProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjects(context.Context) ([]store.Project, error)
	InsertRef(context.Context, store.Ref) error
	DeleteRef(context.Context, string) error
	GetRef(context.Context, string) (store.Ref, error)
	GetRefByName(context.Context, string, string) (store.Ref, error)
	ListRefs(context.Context, string) ([]store.Ref, error)
	RenameRef(context.Context, string, string) error
	SetRefPinned(context.Context, string, string, bool) error
	SetRefHidden(context.Context, string, bool) error
	SetRefProviderLock(context.Context, string, string, string) error
	SetRefCanvasHash(context.Context, string, string) error
	Ping(ctx context.Context) error
}

// LeaseStore is satisfied by the Redis lease store and by the Postgres
// fallback.
type LeaseStore interface {
	AcquireLease(ctx context.Context, refID, holder string, ttl time.Duration) (store.Lease, error)
	ReleaseLease(ctx context.Context, refID, holder string) error
	GetLease(ctx context.Context, refID string) (store.Lease, bool, error)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	engine *history.Engine
	locks  *lock.Registry
	leases LeaseStore
	canvas *canvas.Service
	search *search.Service
}

func New(cfg config.Config, dataStore dataStore, engine *history.Engine, locks *lock.Registry, leases LeaseStore, canvasSvc *canvas.Service, searchSvc *search.Service) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		engine: engine,
		locks:  locks,
		leases: leases,
		canvas: canvasSvc,
		search: searchSvc,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap reindexes search from Postgres when Meilisearch came up
// empty or late.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

// ---- projects ----

func (s *Service) CreateProject(ctx context.Context, name string) (store.Project, store.Ref, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Project{}, store.Ref{}, fmt.Errorf("project name is required: %w", history.ErrConflict)
	}

	project := store.Project{ID: util.NewID("proj"), Name: name}
	trunk := store.Ref{
		ID:        util.NewID("ref"),
		ProjectID: project.ID,
		Name:      trunkName,
		IsTrunk:   true,
	}

	if err := s.store.InsertProject(ctx, project); err != nil {
		return store.Project{}, store.Ref{}, err
	}
	if err := s.store.InsertRef(ctx, trunk); err != nil {
		return store.Project{}, store.Ref{}, err
	}
	if err := s.engine.CreateProject(ctx, project.ID, trunk.ID); err != nil {
		return store.Project{}, store.Ref{}, err
	}
	return project, trunk, nil
}

func (s *Service) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Project{}, fmt.Errorf("project %s: %w", projectID, history.ErrNotFound)
	}
	if err != nil {
		return store.Project{}, err
	}
	return project, nil
}

func (s *Service) ListProjects(ctx context.Context) ([]store.Project, error) {
	return s.store.ListProjects(ctx)
}

// ---- branches ----

// BranchView is the branch wire shape: catalog metadata joined with the
// backend's tip and count plus the current lease, if any.
type BranchView struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	HeadNodeID     string     `json:"headNodeId"`
	NodeCount      int        `json:"nodeCount"`
	IsTrunk        bool       `json:"isTrunk"`
	IsPinned       bool       `json:"isPinned"`
	IsHidden       bool       `json:"isHidden"`
	Provider       string     `json:"provider,omitempty"`
	Model          string     `json:"model,omitempty"`
	LeaseHolder    string     `json:"leaseHolder,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
}

func (s *Service) branchView(ctx context.Context, ref store.Ref) (BranchView, error) {
	head, err := s.engine.HeadOf(ctx, ref.ProjectID, ref.ID)
	if err != nil {
		return BranchView{}, err
	}
	count, err := s.engine.NodeCount(ctx, ref.ProjectID, ref.ID)
	if err != nil {
		return BranchView{}, err
	}
	view := BranchView{
		ID:         ref.ID,
		Name:       ref.Name,
		HeadNodeID: head,
		NodeCount:  count,
		IsTrunk:    ref.IsTrunk,
		IsPinned:   ref.IsPinned,
		IsHidden:   ref.IsHidden,
		Provider:   ref.Provider,
		Model:      ref.Model,
	}
	if lease, ok, err := s.leases.GetLease(ctx, ref.ID); err == nil && ok {
		view.LeaseHolder = lease.Holder
		expires := lease.ExpiresAt
		view.LeaseExpiresAt = &expires
	}
	return view, nil
}

func (s *Service) ListBranches(ctx context.Context, projectID string) ([]BranchView, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	refs, err := s.store.ListRefs(ctx, projectID)
	if err != nil {
		return nil, err
	}
	views := make([]BranchView, 0, len(refs))
	for _, ref := range refs {
		view, err := s.branchView(ctx, ref)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) resolveRef(ctx context.Context, projectID, branchName string) (store.Ref, error) {
	ref, err := s.store.GetRefByName(ctx, projectID, branchName)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Ref{}, fmt.Errorf("branch %q: %w", branchName, history.ErrNotFound)
	}
	if err != nil {
		return store.Ref{}, err
	}
	return ref, nil
}

type CreateBranchInput struct {
	Name       string `json:"name"`
	From       string `json:"from"`       // source branch name; trunk when empty
	FromNodeID string `json:"fromNodeId"` // fork point; source tip when empty
	Inclusive  bool   `json:"inclusive"`  // keep the fork node itself
	Provider   string `json:"provider"`
	Model      string `json:"model"`
}

// CreateBranch forks a new branch from the source's tip or from a
// historical node. Runs under the project lock so branch creation never
// races with renames, other forks, or merges in the same project.
func (s *Service) CreateBranch(ctx context.Context, projectID string, in CreateBranchInput) (BranchView, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return BranchView{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return BranchView{}, fmt.Errorf("branch name is required: %w", history.ErrConflict)
	}
	from := in.From
	if from == "" {
		from = trunkName
	}

	var created store.Ref
	err := s.locks.WithProject(ctx, projectID, func(ctx context.Context) error {
		source, err := s.resolveRef(ctx, projectID, from)
		if err != nil {
			return err
		}
		if _, err := s.store.GetRefByName(ctx, projectID, name); err == nil {
			return fmt.Errorf("branch %q already exists: %w", name, history.ErrConflict)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		ref := store.Ref{
			ID:        util.NewID("ref"),
			ProjectID: projectID,
			Name:      name,
			Provider:  in.Provider,
			Model:     in.Model,
		}
		if err := s.store.InsertRef(ctx, ref); err != nil {
			return err
		}

		if in.FromNodeID == "" {
			err = s.engine.ForkFromTip(ctx, projectID, source.ID, ref.ID)
		} else {
			err = s.engine.ForkFromNode(ctx, projectID, source.ID, ref.ID, in.FromNodeID, in.Inclusive)
		}
		if err != nil {
			if deleteErr := s.store.DeleteRef(ctx, ref.ID); deleteErr != nil {
				log.Printf("fork cleanup: delete ref %s: %v", ref.ID, deleteErr)
			}
			return err
		}
		created = ref
		return nil
	})
	if err != nil {
		return BranchView{}, err
	}
	return s.branchView(ctx, created)
}

func (s *Service) RenameBranch(ctx context.Context, projectID, branchName, newName string) (BranchView, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return BranchView{}, fmt.Errorf("branch name is required: %w", history.ErrConflict)
	}
	var renamed store.Ref
	err := s.locks.WithProject(ctx, projectID, func(ctx context.Context) error {
		ref, err := s.resolveRef(ctx, projectID, branchName)
		if err != nil {
			return err
		}
		if newName == ref.Name {
			renamed = ref
			return nil
		}
		if _, err := s.store.GetRefByName(ctx, projectID, newName); err == nil {
			return fmt.Errorf("branch %q already exists: %w", newName, history.ErrConflict)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := s.store.RenameRef(ctx, ref.ID, newName); err != nil {
			return err
		}
		ref.Name = newName
		renamed = ref
		return nil
	})
	if err != nil {
		return BranchView{}, err
	}
	return s.branchView(ctx, renamed)
}

func (s *Service) SetBranchPinned(ctx context.Context, projectID, branchName string, pinned bool) (BranchView, error) {
	ref, err := s.resolveRef(ctx, projectID, branchName)
	if err != nil {
		return BranchView{}, err
	}
	if err := s.store.SetRefPinned(ctx, projectID, ref.ID, pinned); err != nil {
		return BranchView{}, err
	}
	ref.IsPinned = pinned
	return s.branchView(ctx, ref)
}

func (s *Service) SetBranchHidden(ctx context.Context, projectID, branchName string, hidden bool) (BranchView, error) {
	ref, err := s.resolveRef(ctx, projectID, branchName)
	if err != nil {
		return BranchView{}, err
	}
	if err := s.store.SetRefHidden(ctx, ref.ID, hidden); err != nil {
		return BranchView{}, err
	}
	ref.IsHidden = hidden
	return s.branchView(ctx, ref)
}

// ---- nodes ----

type AppendMessageInput struct {
	Role              string                 `json:"role"`
	Content           string                 `json:"content"`
	ContentBlocks     []history.ContentBlock `json:"contentBlocks"`
	RawProvider       json.RawMessage        `json:"rawProvider"`
	Interrupted       bool                   `json:"interrupted"`
	PinnedFromMergeID string                 `json:"pinnedFromMergeId"`
	UIHidden          bool                   `json:"uiHidden"`
	Provider          string                 `json:"provider"`
	Model             string                 `json:"model"`
}

// AppendMessage appends one message node under the branch lock. The
// first assistant output pins the branch to its provider+model; later
// appends naming a different pair are rejected.
func (s *Service) AppendMessage(ctx context.Context, projectID, branchName string, in AppendMessageInput) (history.Node, error) {
	if _, ok := allowedRoles[in.Role]; !ok {
		return history.Node{}, fmt.Errorf("unknown role %q: %w", in.Role, history.ErrConflict)
	}
	ref, err := s.resolveRef(ctx, projectID, branchName)
	if err != nil {
		return history.Node{}, err
	}

	var node history.Node
	err = s.locks.WithBranch(ctx, projectID, ref.ID, func(ctx context.Context) error {
		// The provider check re-reads the ref under the lock so two
		// concurrent first outputs cannot both see an unpinned branch,
		// and the pin is only recorded once the append succeeded.
		pin := false
		if in.Role == history.RoleAssistant && in.Provider != "" {
			current, err := s.store.GetRef(ctx, ref.ID)
			if err != nil {
				return err
			}
			switch {
			case current.Provider == "":
				pin = true
			case current.Provider != in.Provider || current.Model != in.Model:
				return fmt.Errorf("branch is locked to %s/%s: %w", current.Provider, current.Model, history.ErrConflict)
			}
		}

		appended, err := s.engine.Append(ctx, projectID, ref.ID, history.Node{
			Branch: ref.Name,
			Payload: history.Message{
				Role:              in.Role,
				Content:           in.Content,
				ContentBlocks:     in.ContentBlocks,
				RawProvider:       in.RawProvider,
				Interrupted:       in.Interrupted,
				PinnedFromMergeID: in.PinnedFromMergeID,
				UIHidden:          in.UIHidden,
			},
		})
		if err != nil {
			return err
		}
		node = appended
		if pin {
			return s.store.SetRefProviderLock(ctx, ref.ID, in.Provider, in.Model)
		}
		return nil
	})
	if err != nil {
		return history.Node{}, err
	}

	if s.search != nil && strings.TrimSpace(in.Content) != "" {
		s.search.IndexMessage(ctx, search.Record{
			NodeID:    node.ID,
			ProjectID: projectID,
			RefID:     ref.ID,
			Branch:    ref.Name,
			Role:      in.Role,
			Content:   in.Content,
		})
	}
	return node, nil
}

// ReadNodes returns the branch's nodes in ascending ordinal order. The
// read takes no lock; when the cheap ordering probe detects the gap
// class of corruption, the branch is repaired under its lock and the
// read retried once.
func (s *Service) ReadNodes(ctx context.Context, projectID, branchName string, limit, beforeOrdinal int) ([]history.Node, error) {
	ref, err := s.resolveRef(ctx, projectID, branchName)
	if err != nil {
		return nil, err
	}

	if err := s.engine.CheckOrdering(ctx, projectID, ref.ID); err != nil {
		if !errors.Is(err, history.ErrOrderingCorrupt) {
			return nil, err
		}
		log.Printf("ordering corrupt on %s/%s, repairing: %v", projectID, ref.Name, err)
		repairErr := s.locks.WithBranch(ctx, projectID, ref.ID, func(ctx context.Context) error {
			_, err := s.engine.Repair(ctx, projectID, ref.ID)
			return err
		})
		if repairErr != nil {
			return nil, repairErr
		}
	}

	return s.engine.Read(ctx, projectID, ref.ID, limit, beforeOrdinal)
}

func (s *Service) GetNode(ctx context.Context, projectID, branchName, nodeID string) (history.Node, error) {
	ref, err := s.resolveRef(ctx, projectID, branchName)
	if err != nil {
		return history.Node{}, err
	}
	return s.engine.GetNode(ctx, projectID, ref.ID, nodeID)
}

// RepairBranch is the administrative rebuild; returns the new ordering
// length.
func (s *Service) RepairBranch(ctx context.Context, projectID, branchName string) (int, error) {
	ref, err := s.resolveRef(ctx, projectID, branchName)
	if err != nil {
		return 0, err
	}
	var length int
	err = s.locks.WithBranch(ctx, projectID, ref.ID, func(ctx context.Context) error {
		length, err = s.engine.Repair(ctx, projectID, ref.ID)
		return err
	})
	return length, err
}

// ---- merge ----

type MergeInput struct {
	Source        string `json:"source"`
	Target        string `json:"target"`
	Summary       string `json:"summary"`
	PayloadNodeID string `json:"payloadNodeId"`
	Actor         string `json:"actor"`
}

// Merge records the source branch's unique contribution as one merge
// node on the target. The target's lease gates the operation when held
// by someone other than the actor; the project and target branch locks
// serialize it against forks and other merges.
func (s *Service) Merge(ctx context.Context, projectID string, in MergeInput) (history.Node, error) {
	if in.Source == in.Target {
		return history.Node{}, fmt.Errorf("merge source and target are the same branch: %w", history.ErrConflict)
	}
	source, err := s.resolveRef(ctx, projectID, in.Source)
	if err != nil {
		return history.Node{}, err
	}
	target, err := s.resolveRef(ctx, projectID, in.Target)
	if err != nil {
		return history.Node{}, err
	}

	if lease, ok, err := s.leases.GetLease(ctx, target.ID); err != nil {
		return history.Node{}, err
	} else if ok && lease.Holder != in.Actor {
		return history.Node{}, fmt.Errorf("target branch leased by %s: %w", lease.Holder, history.ErrLeaseConflict)
	}

	sourceCanvas, err := s.canvas.GetContent(ctx, source.CanvasHash)
	if err != nil {
		return history.Node{}, err
	}
	targetCanvas, err := s.canvas.GetContent(ctx, target.CanvasHash)
	if err != nil {
		return history.Node{}, err
	}

	var node history.Node
	err = s.locks.WithProjectAndBranch(ctx, projectID, target.ID, func(ctx context.Context) error {
		node, err = s.engine.Merge(ctx, projectID, source.ID, target.ID, history.MergeInput{
			SourceBranch:  source.Name,
			TargetBranch:  target.Name,
			Summary:       in.Summary,
			PayloadNodeID: in.PayloadNodeID,
			SourceCanvas:  sourceCanvas,
			TargetCanvas:  targetCanvas,
		})
		return err
	})
	if err != nil {
		return history.Node{}, err
	}
	return node, nil
}

// ---- leases ----

func (s *Service) AcquireLease(ctx context.Context, projectID, branchName, holder string, ttl time.Duration) (store.Lease, error) {
	if strings.TrimSpace(holder) == "" {
		return store.Lease{}, fmt.Errorf("lease holder is required: %w", history.ErrConflict)
	}
	ref, err := s.resolveRef(ctx, projectID, branchName)
	if err != nil {
		return store.Lease{}, err
	}
	if ttl <= 0 {
		ttl = s.cfg.LeaseTTL
	}
	return s.leases.AcquireLease(ctx, ref.ID, holder, ttl)
}

func (s *Service) ReleaseLease(ctx context.Context, projectID, branchName, holder string) error {
	ref, err := s.resolveRef(ctx, projectID, branchName)
	if err != nil {
		return err
	}
	return s.leases.ReleaseLease(ctx, ref.ID, holder)
}

// ---- canvas ----

func (s *Service) SaveDraft(ctx context.Context, projectID, branchName, userID, content string) (store.Draft, error) {
	ref, err := s.resolveRef(ctx, projectID, branchName)
	if err != nil {
		return store.Draft{}, err
	}
	return s.canvas.SaveDraft(ctx, ref.ID, userID, content)
}

func (s *Service) DraftStatus(ctx context.Context, projectID, branchName, userID string) (canvas.Status, error) {
	ref, err := s.resolveRef(ctx, projectID, branchName)
	if err != nil {
		return canvas.Status{}, err
	}
	return s.canvas.Status(ctx, ref, userID)
}

// CommitCanvas promotes the user's draft into permanent history: the
// content goes to the blob store and a state-snapshot node carrying its
// hash is appended under the branch lock. The branch's lease gates the
// commit the same way it gates merge.
func (s *Service) CommitCanvas(ctx context.Context, projectID, branchName, userID string) (history.Node, error) {
	ref, err := s.resolveRef(ctx, projectID, branchName)
	if err != nil {
		return history.Node{}, err
	}

	if lease, ok, err := s.leases.GetLease(ctx, ref.ID); err != nil {
		return history.Node{}, err
	} else if ok && lease.Holder != userID {
		return history.Node{}, fmt.Errorf("branch leased by %s: %w", lease.Holder, history.ErrLeaseConflict)
	}

	draft, err := s.canvas.GetDraft(ctx, ref.ID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Node{}, fmt.Errorf("no draft for user %s: %w", userID, history.ErrNotFound)
	}
	if err != nil {
		return history.Node{}, err
	}

	hash, err := s.canvas.StoreBlob(ctx, draft.Content)
	if err != nil {
		return history.Node{}, err
	}

	var node history.Node
	err = s.locks.WithBranch(ctx, projectID, ref.ID, func(ctx context.Context) error {
		node, err = s.engine.Append(ctx, projectID, ref.ID, history.Node{
			Branch:  ref.Name,
			Payload: history.StateSnapshot{ContentHash: hash},
		})
		if err != nil {
			return err
		}
		return s.store.SetRefCanvasHash(ctx, ref.ID, hash)
	})
	if err != nil {
		return history.Node{}, err
	}
	return node, nil
}

// ---- search ----

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}
