package ps

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/filemode"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/nickyhof/rxbind/core"
)

// createBlob stores data as a blob object without touching the worktree
func (persistence *Persistence) createBlob(data []byte) (plumbing.Hash, error) {
	obj := persistence.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(data)))

	writer, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to create blob writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return plumbing.ZeroHash, fmt.Errorf("failed to write blob data: %w", err)
	}
	writer.Close()

	hash, err := persistence.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store blob: %w", err)
	}

	return hash, nil
}

// getCurrentTree returns the tree of HEAD, or ZeroHash before the first commit
func (persistence *Persistence) getCurrentTree() (plumbing.Hash, error) {
	headRef, err := persistence.repo.Head()
	if err != nil {
		return plumbing.ZeroHash, nil
	}

	commit, err := persistence.repo.CommitObject(headRef.Hash())
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to get head commit: %w", err)
	}

	return commit.TreeHash, nil
}

// headTree returns the tree object of HEAD, or nil before the first commit
func (persistence *Persistence) headTree() (*object.Tree, error) {
	headRef, err := persistence.repo.Head()
	if err != nil {
		return nil, nil
	}

	commit, err := persistence.repo.CommitObject(headRef.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to get commit: %w", err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get tree: %w", err)
	}
	return tree, nil
}

func (persistence *Persistence) getTreeEntries(treeHash plumbing.Hash) (map[string]object.TreeEntry, error) {
	entries := make(map[string]object.TreeEntry)

	if treeHash == plumbing.ZeroHash {
		return entries, nil
	}

	tree, err := object.GetTree(persistence.repo.Storer, treeHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get tree: %w", err)
	}

	for _, entry := range tree.Entries {
		entries[entry.Name] = entry
	}

	return entries, nil
}

func (persistence *Persistence) buildTreeFromEntries(entries []object.TreeEntry) (plumbing.Hash, error) {
	// Git orders directories as if their name had a trailing slash
	sort.Slice(entries, func(i, j int) bool {
		nameI := entries[i].Name
		nameJ := entries[j].Name
		if entries[i].Mode == filemode.Dir {
			nameI += "/"
		}
		if entries[j].Mode == filemode.Dir {
			nameJ += "/"
		}
		return nameI < nameJ
	})

	tree := &object.Tree{Entries: entries}

	obj := persistence.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode tree: %w", err)
	}

	hash, err := persistence.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store tree: %w", err)
	}

	return hash, nil
}

// TreeChange is one change applied by batchUpdateTree
type TreeChange struct {
	Path     string
	BlobHash plumbing.Hash
	IsDelete bool
}

// batchUpdateTree applies all changes at once, rebuilding every touched
// directory a single time. Deleting a directory path removes the subtree.
func (persistence *Persistence) batchUpdateTree(rootTreeHash plumbing.Hash, changes []TreeChange) (plumbing.Hash, error) {
	if len(changes) == 0 {
		return rootTreeHash, nil
	}

	grouped := make(map[string][]TreeChange)
	leafChanges := make([]TreeChange, 0)

	for _, change := range changes {
		dir, rest, nested := strings.Cut(change.Path, "/")
		if !nested {
			leafChanges = append(leafChanges, change)
			continue
		}
		grouped[dir] = append(grouped[dir], TreeChange{
			Path:     rest,
			BlobHash: change.BlobHash,
			IsDelete: change.IsDelete,
		})
	}

	entries, err := persistence.getTreeEntries(rootTreeHash)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	for _, change := range leafChanges {
		if change.IsDelete {
			delete(entries, change.Path)
			continue
		}
		entries[change.Path] = object.TreeEntry{
			Name: change.Path,
			Mode: filemode.Regular,
			Hash: change.BlobHash,
		}
	}

	for dir, subChanges := range grouped {
		subTreeHash := plumbing.ZeroHash
		if existing, ok := entries[dir]; ok && existing.Mode == filemode.Dir {
			subTreeHash = existing.Hash
		}

		newSubTreeHash, err := persistence.batchUpdateTree(subTreeHash, subChanges)
		if err != nil {
			return plumbing.ZeroHash, err
		}

		if newSubTreeHash == plumbing.ZeroHash {
			delete(entries, dir)
		} else {
			entries[dir] = object.TreeEntry{
				Name: dir,
				Mode: filemode.Dir,
				Hash: newSubTreeHash,
			}
		}
	}

	if len(entries) == 0 {
		return plumbing.ZeroHash, nil
	}

	entrySlice := make([]object.TreeEntry, 0, len(entries))
	for _, entry := range entries {
		entrySlice = append(entrySlice, entry)
	}

	return persistence.buildTreeFromEntries(entrySlice)
}

// createCommitDirect commits treeHash on top of HEAD without using the worktree
func (persistence *Persistence) createCommitDirect(treeHash plumbing.Hash, identity core.Identity, message string) (Transaction, error) {
	actualTreeHash := treeHash
	if treeHash == plumbing.ZeroHash {
		emptyTree := &object.Tree{Entries: []object.TreeEntry{}}
		obj := persistence.repo.Storer.NewEncodedObject()
		if err := emptyTree.Encode(obj); err != nil {
			return Transaction{}, fmt.Errorf("failed to encode empty tree: %w", err)
		}
		var err error
		actualTreeHash, err = persistence.repo.Storer.SetEncodedObject(obj)
		if err != nil {
			return Transaction{}, fmt.Errorf("failed to store empty tree: %w", err)
		}
	}

	var parentHashes []plumbing.Hash
	headRef, err := persistence.repo.Head()
	if err == nil {
		parentHashes = []plumbing.Hash{headRef.Hash()}
	}

	sig := object.Signature{
		Name:  identity.Name,
		Email: identity.Email,
		When:  time.Now(),
	}

	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     actualTreeHash,
		ParentHashes: parentHashes,
	}

	obj := persistence.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return Transaction{}, fmt.Errorf("failed to encode commit: %w", err)
	}

	commitHash, err := persistence.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to store commit: %w", err)
	}

	branchName := plumbing.Master
	if headRef != nil && headRef.Name().IsBranch() {
		branchName = headRef.Name()
	}

	ref := plumbing.NewHashReference(branchName, commitHash)
	if err := persistence.repo.Storer.SetReference(ref); err != nil {
		return Transaction{}, fmt.Errorf("failed to update HEAD: %w", err)
	}

	return Transaction{
		Id:     commitHash.String(),
		When:   sig.When,
		Author: fmt.Sprintf("%s <%s>", identity.Name, identity.Email),
	}, nil
}

// syncWorktree updates the worktree filesystem to match HEAD. Memory mode
// reads the Git tree directly and skips it.
func (persistence *Persistence) syncWorktree() error {
	if persistence.isMemoryMode {
		return nil
	}

	wt, err := persistence.repo.Worktree()
	if err != nil {
		return err
	}

	headRef, err := persistence.repo.Head()
	if err != nil {
		return err
	}

	tree, err := persistence.headTree()
	if err != nil {
		return err
	}

	// A hard reset to an empty tree fails, so clean the filesystem by hand
	if tree == nil || len(tree.Entries) == 0 {
		fs := wt.Filesystem
		entries, err := fs.ReadDir("/")
		if err != nil {
			return nil
		}
		for _, entry := range entries {
			if entry.Name() != ".git" {
				fs.Remove(entry.Name())
			}
		}
		return nil
	}

	return wt.Reset(&git.ResetOptions{
		Mode:   git.HardReset,
		Commit: headRef.Hash(),
	})
}

// ReadFile reads a file from the HEAD tree
func (persistence *Persistence) ReadFile(filePath string) ([]byte, error) {
	if err := persistence.ensureInitialized(); err != nil {
		return nil, err
	}

	persistence.mu.RLock()
	defer persistence.mu.RUnlock()

	tree, err := persistence.headTree()
	if err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, ErrNotFound
	}

	file, err := tree.File(filePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, ErrNotFound)
	}

	content, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("failed to read contents: %w", err)
	}

	return []byte(content), nil
}

// TreeEntry is a directory entry of the HEAD tree
type TreeEntry struct {
	Name  string
	IsDir bool
}

// ListEntries lists a directory of the HEAD tree. A missing directory is empty.
func (persistence *Persistence) ListEntries(dirPath string) ([]TreeEntry, error) {
	if err := persistence.ensureInitialized(); err != nil {
		return nil, err
	}

	persistence.mu.RLock()
	defer persistence.mu.RUnlock()

	tree, err := persistence.headTree()
	if err != nil || tree == nil {
		return nil, err
	}

	targetTree := tree
	if dirPath != "" && dirPath != "." {
		targetTree, err = tree.Tree(dirPath)
		if err != nil {
			return nil, nil
		}
	}

	entries := make([]TreeEntry, 0, len(targetTree.Entries))
	for _, entry := range targetTree.Entries {
		entries = append(entries, TreeEntry{
			Name:  entry.Name,
			IsDir: entry.Mode == filemode.Dir,
		})
	}

	return entries, nil
}
