package ps

import (
	"errors"
	"os"
	"sync"

	"github.com/go-git/go-billy/v6/memfs"
	"github.com/go-git/go-billy/v6/osfs"
	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing/cache"
	"github.com/go-git/go-git/v6/storage/filesystem"
	"github.com/go-git/go-git/v6/storage/memory"
)

var (
	ErrNotInitialized = errors.New("persistence layer not initialized")
	ErrNotFound       = errors.New("not found")
)

type Persistence struct {
	repo         *git.Repository
	mu           sync.RWMutex
	isMemoryMode bool
}

// IsInitialized returns true if the persistence layer has a valid repository
func (persistence *Persistence) IsInitialized() bool {
	return persistence != nil && persistence.repo != nil
}

func (persistence *Persistence) ensureInitialized() error {
	if !persistence.IsInitialized() {
		return ErrNotInitialized
	}
	return nil
}

// IsMemory reports whether the repository lives only in memory
func (persistence *Persistence) IsMemory() bool {
	return persistence.isMemoryMode
}

func NewMemoryPersistence() (*Persistence, error) {
	wt := memfs.New()
	storer := memory.NewStorage()

	repo, err := git.Init(storer, git.WithWorkTree(wt))
	if err != nil {
		return nil, err
	}

	return &Persistence{
		repo:         repo,
		isMemoryMode: true,
	}, nil
}

// NewFilePersistence opens the repository in baseDir, creating it when
// missing. With a remote URL an empty directory is cloned from it first.
func NewFilePersistence(baseDir string, remoteURL *string) (*Persistence, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}

	wt := osfs.New(baseDir)
	fs, err := wt.Chroot(".git")
	if err != nil {
		return nil, err
	}

	storer := filesystem.NewStorageWithOptions(
		fs,
		cache.NewObjectLRUDefault(),
		filesystem.Options{ExclusiveAccess: true})

	var repo *git.Repository

	_, statErr := os.Stat(fs.Root())
	switch {
	case statErr == nil:
		repo, err = git.Open(storer, wt)
	case remoteURL != nil:
		repo, err = git.Clone(storer, wt, &git.CloneOptions{
			URL: *remoteURL,
		})
	default:
		repo, err = git.Init(storer, git.WithWorkTree(wt))
	}
	if err != nil {
		return nil, err
	}

	return &Persistence{
		repo: repo,
	}, nil
}
