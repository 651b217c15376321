package ps

import (
	"fmt"
	"time"

	"github.com/go-git/go-git/v6/plumbing/object"
)

// Transaction is one commit of the repository
type Transaction struct {
	Id     string
	When   time.Time
	Author string // "Name <email>" format
}

func (transaction Transaction) String() string {
	return fmt.Sprintf("Transaction{Id: %s, When: %s, Author: %s}", transaction.Id, transaction.When, transaction.Author)
}

// LatestTransaction returns the HEAD commit, or a zero Transaction before the first write
func (persistence *Persistence) LatestTransaction() Transaction {
	persistence.mu.RLock()
	defer persistence.mu.RUnlock()

	headRef, err := persistence.repo.Head()
	if err != nil || headRef == nil {
		return Transaction{}
	}

	commit, err := persistence.repo.CommitObject(headRef.Hash())
	if err != nil {
		return Transaction{}
	}

	return fromCommit(commit)
}

func fromCommit(c *object.Commit) Transaction {
	author := ""
	if c.Author.Name != "" || c.Author.Email != "" {
		author = fmt.Sprintf("%s <%s>", c.Author.Name, c.Author.Email)
	}
	return Transaction{
		Id:     c.Hash.String(),
		When:   c.Committer.When,
		Author: author,
	}
}
