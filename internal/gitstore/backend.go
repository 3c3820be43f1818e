// Package gitstore implements the node-log backend on top of real git
// repositories on disk, one repository per project. Conversation branches
// map to git branches; each branch's tree carries the node objects under
// nodes/, the ordering index in index.json, and the tip pointer in a tip
// file. Every mutation is a commit, so the full history of the engine's
// own bookkeeping is inspectable with stock git tooling.
package gitstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"loom/api/internal/history"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	indexFile = "index.json"
	tipFile   = "tip"
	nodesDir  = "nodes"
)

type Backend struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

var _ history.Backend = (*Backend)(nil)

func New(baseDir string) *Backend {
	return &Backend{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (b *Backend) CreateProject(ctx context.Context, projectID, trunkRefID string) error {
	lock := b.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	path := b.repoPath(projectID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("project %s already initialized: %w", projectID, history.ErrConflict)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := writeBranchFiles(path, nil, ""); err != nil {
		return err
	}
	if _, err := worktree.Add(indexFile); err != nil {
		return fmt.Errorf("git add index: %w", err)
	}
	if _, err := worktree.Add(tipFile); err != nil {
		return fmt.Errorf("git add tip: %w", err)
	}
	hash, err := worktree.Commit("Initialize project", commitOptions(false))
	if err != nil {
		return fmt.Errorf("commit initial tree: %w", err)
	}
	trunkRef := plumbing.NewBranchReferenceName(trunkRefID)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(trunkRef, hash)); err != nil {
		return fmt.Errorf("set trunk ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, trunkRef)); err != nil {
		return fmt.Errorf("set HEAD to trunk: %w", err)
	}
	return nil
}

func (b *Backend) Append(ctx context.Context, projectID, refID string, node history.Node) error {
	lock := b.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := b.open(projectID)
	if err != nil {
		return err
	}
	if err := checkoutBranch(repo, refID); err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	ids, err := readIndexFile(root)
	if err != nil {
		return err
	}
	ids = append(ids, node.ID)

	payload, err := json.MarshalIndent(node, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal node %s: %w", node.ID, err)
	}
	if err := os.MkdirAll(filepath.Join(root, nodesDir), 0o755); err != nil {
		return fmt.Errorf("create nodes dir: %w", err)
	}
	nodePath := filepath.Join(nodesDir, node.ID+".json")
	if err := os.WriteFile(filepath.Join(root, nodePath), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write node file: %w", err)
	}
	if err := writeBranchFiles(root, ids, node.ID); err != nil {
		return err
	}

	for _, file := range []string{nodePath, indexFile, tipFile} {
		if _, err := worktree.Add(file); err != nil {
			return fmt.Errorf("git add %s: %w", file, err)
		}
	}
	if _, err := worktree.Commit(fmt.Sprintf("Append %s", node.ID), commitOptions(false)); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (b *Backend) HeadOf(ctx context.Context, projectID, refID string) (string, error) {
	commit, err := b.headCommit(projectID, refID)
	if err != nil {
		return "", err
	}
	tip, err := readFileFromCommit(commit, tipFile)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(tip)), nil
}

func (b *Backend) OrderingIDs(ctx context.Context, projectID, refID string) ([]string, error) {
	commit, err := b.headCommit(projectID, refID)
	if err != nil {
		return nil, err
	}
	return readIndexFromCommit(commit)
}

func (b *Backend) ReadOrdered(ctx context.Context, projectID, refID string, limit, beforeOrdinal int) ([]history.Node, error) {
	commit, err := b.headCommit(projectID, refID)
	if err != nil {
		return nil, err
	}
	ids, err := readIndexFromCommit(commit)
	if err != nil {
		return nil, err
	}

	end := len(ids)
	if beforeOrdinal >= 0 && beforeOrdinal < end {
		end = beforeOrdinal
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}

	nodes := make([]history.Node, 0, end-start)
	for _, id := range ids[start:end] {
		node, err := readNodeFromCommit(commit, id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (b *Backend) GetNode(ctx context.Context, projectID, refID, nodeID string) (history.Node, error) {
	commit, err := b.headCommit(projectID, refID)
	if err != nil {
		return history.Node{}, err
	}
	// A fork's tree still carries node objects beyond its truncated
	// ordering; only ordering members are addressable through the branch.
	ids, err := readIndexFromCommit(commit)
	if err != nil {
		return history.Node{}, err
	}
	for _, id := range ids {
		if id == nodeID {
			return readNodeFromCommit(commit, nodeID)
		}
	}
	return history.Node{}, fmt.Errorf("node %s is not on branch %s: %w", nodeID, refID, history.ErrNotFound)
}

func (b *Backend) NodeCount(ctx context.Context, projectID, refID string) (int, error) {
	ids, err := b.OrderingIDs(ctx, projectID, refID)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (b *Backend) Fork(ctx context.Context, projectID, sourceRefID, newRefID string, ordering []string) error {
	lock := b.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := b.open(projectID)
	if err != nil {
		return err
	}

	newRef := plumbing.NewBranchReferenceName(newRefID)
	if _, err := repo.Reference(newRef, true); err == nil {
		return fmt.Errorf("branch %s already exists: %w", newRefID, history.ErrConflict)
	}

	sourceRef, err := repo.Reference(plumbing.NewBranchReferenceName(sourceRefID), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("source branch %s: %w", sourceRefID, history.ErrNotFound)
		}
		return fmt.Errorf("resolve source branch %s: %w", sourceRefID, err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(newRef, sourceRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}

	// The new branch starts from the source's tree; node objects beyond
	// the retained prefix stay in the tree but are unreachable through
	// the rewritten index.
	if err := checkoutBranch(repo, newRefID); err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	tip := ""
	if len(ordering) > 0 {
		tip = ordering[len(ordering)-1]
	}
	if err := writeBranchFiles(root, ordering, tip); err != nil {
		return err
	}
	for _, file := range []string{indexFile, tipFile} {
		if _, err := worktree.Add(file); err != nil {
			return fmt.Errorf("git add %s: %w", file, err)
		}
	}
	if _, err := worktree.Commit(fmt.Sprintf("Fork from %s", sourceRefID), commitOptions(true)); err != nil {
		return fmt.Errorf("commit fork: %w", err)
	}
	return nil
}

func (b *Backend) RebuildOrdering(ctx context.Context, projectID, refID string) (int, error) {
	lock := b.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := b.open(projectID)
	if err != nil {
		return 0, err
	}
	if err := checkoutBranch(repo, refID); err != nil {
		return 0, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return 0, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	tipBytes, err := os.ReadFile(filepath.Join(root, tipFile))
	if err != nil {
		return 0, fmt.Errorf("read tip: %w", err)
	}
	tip := strings.TrimSpace(string(tipBytes))

	var ids []string
	seen := make(map[string]struct{})
	for cursor := tip; cursor != ""; {
		if _, dup := seen[cursor]; dup {
			return 0, fmt.Errorf("parent chain of %s cycles at %s: %w", refID, cursor, history.ErrOrderingCorrupt)
		}
		seen[cursor] = struct{}{}

		raw, err := os.ReadFile(filepath.Join(root, nodesDir, cursor+".json"))
		if err != nil {
			return 0, fmt.Errorf("parent chain of %s broken at %s: %w", refID, cursor, history.ErrOrderingCorrupt)
		}
		var node history.Node
		if err := json.Unmarshal(raw, &node); err != nil {
			return 0, fmt.Errorf("decode node %s: %w", cursor, err)
		}
		ids = append(ids, cursor)
		cursor = node.Parent
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}

	if err := writeBranchFiles(root, ids, tip); err != nil {
		return 0, err
	}
	for _, file := range []string{indexFile, tipFile} {
		if _, err := worktree.Add(file); err != nil {
			return 0, fmt.Errorf("git add %s: %w", file, err)
		}
	}
	if _, err := worktree.Commit("Rebuild ordering", commitOptions(true)); err != nil {
		return 0, fmt.Errorf("commit rebuild: %w", err)
	}
	return len(ids), nil
}

func (b *Backend) repoPath(projectID string) string {
	return filepath.Join(b.baseDir, projectID)
}

func (b *Backend) open(projectID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(b.repoPath(projectID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("project %s: %w", projectID, history.ErrNotFound)
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (b *Backend) headCommit(projectID, refID string) (*object.Commit, error) {
	repo, err := b.open(projectID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(refID), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, fmt.Errorf("branch %s: %w", refID, history.ErrNotFound)
		}
		return nil, fmt.Errorf("resolve branch %s: %w", refID, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commit, nil
}

func (b *Backend) projectLock(projectID string) *sync.Mutex {
	b.lockMu.Lock()
	defer b.lockMu.Unlock()
	lock, ok := b.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	b.locks[projectID] = lock
	return lock
}

func writeBranchFiles(root string, ids []string, tip string) error {
	if ids == nil {
		ids = []string{}
	}
	payload, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, indexFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, tipFile), []byte(tip+"\n"), 0o644); err != nil {
		return fmt.Errorf("write tip: %w", err)
	}
	return nil
}

func readIndexFile(root string) ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(root, indexFile))
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return ids, nil
}

func readIndexFromCommit(commit *object.Commit) ([]string, error) {
	raw, err := readFileFromCommit(commit, indexFile)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return ids, nil
}

func readNodeFromCommit(commit *object.Commit, nodeID string) (history.Node, error) {
	raw, err := readFileFromCommit(commit, nodesDir+"/"+nodeID+".json")
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return history.Node{}, fmt.Errorf("node %s: %w", nodeID, history.ErrNotFound)
		}
		return history.Node{}, err
	}
	var node history.Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return history.Node{}, fmt.Errorf("decode node %s: %w", nodeID, err)
	}
	return node, nil
}

func readFileFromCommit(commit *object.Commit, path string) ([]byte, error) {
	file, err := commit.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load %s from commit: %w", path, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s reader: %w", path, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("branch %s: %w", branchName, history.ErrNotFound)
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func commitOptions(allowEmpty bool) *git.CommitOptions {
	return &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author: &object.Signature{
			Name:  "Loom",
			Email: "loom@localhost",
			When:  time.Now(),
		},
	}
}
