package ps

import (
	"fmt"

	"github.com/nickyhof/rxbind/core"
)

// Operation is a single write or delete of a transaction
type Operation struct {
	Type OperationType
	Path string
	Data []byte
}

type OperationType int

const (
	WriteOp OperationType = iota
	DeleteOp
)

// TransactionBuilder batches writes into a single commit
type TransactionBuilder struct {
	persistence *Persistence
	operations  []Operation
	started     bool
}

// BeginTransaction creates a new transaction builder for batching operations
func (persistence *Persistence) BeginTransaction() (*TransactionBuilder, error) {
	if err := persistence.ensureInitialized(); err != nil {
		return nil, err
	}

	return &TransactionBuilder{
		persistence: persistence,
		operations:  make([]Operation, 0),
		started:     true,
	}, nil
}

// AddWrite stores data at path when the transaction commits
func (tb *TransactionBuilder) AddWrite(path string, data []byte) error {
	if !tb.started {
		return fmt.Errorf("transaction not started")
	}

	tb.operations = append(tb.operations, Operation{
		Type: WriteOp,
		Path: path,
		Data: data,
	})

	return nil
}

// AddDelete removes path, a file or a whole directory, when the transaction commits
func (tb *TransactionBuilder) AddDelete(path string) error {
	if !tb.started {
		return fmt.Errorf("transaction not started")
	}

	tb.operations = append(tb.operations, Operation{
		Type: DeleteOp,
		Path: path,
	})

	return nil
}

// Commit applies all batched operations in one commit
func (tb *TransactionBuilder) Commit(identity core.Identity) (Transaction, error) {
	if !tb.started {
		return Transaction{}, fmt.Errorf("transaction not started")
	}

	if len(tb.operations) == 0 {
		return Transaction{}, fmt.Errorf("no operations to commit")
	}

	persistence := tb.persistence
	persistence.mu.Lock()
	defer persistence.mu.Unlock()

	currentTree, err := persistence.getCurrentTree()
	if err != nil {
		return Transaction{}, err
	}

	changes := make([]TreeChange, 0, len(tb.operations))
	for _, op := range tb.operations {
		switch op.Type {
		case WriteOp:
			blobHash, err := persistence.createBlob(op.Data)
			if err != nil {
				return Transaction{}, fmt.Errorf("failed to create blob for %s: %w", op.Path, err)
			}
			changes = append(changes, TreeChange{
				Path:     op.Path,
				BlobHash: blobHash,
			})
		case DeleteOp:
			changes = append(changes, TreeChange{
				Path:     op.Path,
				IsDelete: true,
			})
		}
	}

	newTree, err := persistence.batchUpdateTree(currentTree, changes)
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to update tree: %w", err)
	}

	message := fmt.Sprintf("Batch transaction: %d operation(s)", len(tb.operations))
	txn, err := persistence.createCommitDirect(newTree, identity, message)
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to commit: %w", err)
	}

	if err := persistence.syncWorktree(); err != nil {
		return Transaction{}, fmt.Errorf("failed to sync worktree: %w", err)
	}

	tb.started = false
	tb.operations = nil

	return txn, nil
}

// Rollback discards all batched operations without committing
func (tb *TransactionBuilder) Rollback() {
	tb.started = false
	tb.operations = nil
}

// OperationCount returns the number of pending operations
func (tb *TransactionBuilder) OperationCount() int {
	return len(tb.operations)
}
