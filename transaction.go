package rxbind

import (
	"context"
	"sync"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
)

// Transaction buffers modifications of one namespace until Commit.
//
// A transaction ends with exactly one Commit, CommitWithCount or Rollback.
// The handle is dropped before the engine reports the outcome, so a failed
// commit can not be retried; every later call returns ErrTransactionOver.
type Transaction struct {
	api api.API
	h   api.Handle
	ns  string

	mu sync.Mutex
}

// Namespace returns the namespace the transaction modifies
func (tx *Transaction) Namespace() string {
	return tx.ns
}

// Open reports whether the transaction still accepts calls
func (tx *Transaction) Open() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.h.Valid()
}

func (tx *Transaction) Insert(item any, precepts ...string) error {
	return tx.modify(core.ModeInsert, item, precepts)
}

func (tx *Transaction) Update(item any, precepts ...string) error {
	return tx.modify(core.ModeUpdate, item, precepts)
}

func (tx *Transaction) Upsert(item any, precepts ...string) error {
	return tx.modify(core.ModeUpsert, item, precepts)
}

func (tx *Transaction) Delete(item any) error {
	return tx.modify(core.ModeDelete, item, nil)
}

func (tx *Transaction) modify(mode core.ItemModifyMode, item any, precepts []string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.h.Valid() {
		return transactionError(localError(ErrTransactionOver))
	}
	data, err := encodeItem(item)
	if err != nil {
		return transactionError(err)
	}
	return transactionError(tx.api.TxItemModify(tx.h, mode, data, precepts))
}

// UpdateQuery applies the updates of q to its matches on commit
func (tx *Transaction) UpdateQuery(q *Query) error {
	return tx.modifyQuery(q, core.ModeUpdate)
}

// DeleteQuery deletes the matches of q on commit
func (tx *Transaction) DeleteQuery(q *Query) error {
	return tx.modifyQuery(q, core.ModeDelete)
}

func (tx *Transaction) modifyQuery(q *Query, mode core.ItemModifyMode) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.h.Valid() {
		return transactionError(localError(ErrTransactionOver))
	}
	if q.err != nil {
		return transactionError(q.err)
	}
	if !q.h.Valid() {
		return transactionError(localError(ErrQueryClosed))
	}
	return transactionError(tx.api.TxQueryModify(tx.h, q.h, mode))
}

// take ends the transaction and returns the handle it held
func (tx *Transaction) take() (api.Handle, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	h := tx.h
	if !h.Valid() {
		return 0, transactionError(localError(ErrTransactionOver))
	}
	tx.h = 0
	return h, nil
}

// Commit applies the buffered modifications. ctx bounds only the commit.
func (tx *Transaction) Commit(ctx context.Context) error {
	_, err := tx.CommitWithCount(ctx)
	return err
}

// CommitWithCount is Commit that also returns the number of changed items
func (tx *Transaction) CommitWithCount(ctx context.Context) (int, error) {
	h, err := tx.take()
	if err != nil {
		return 0, err
	}
	n, err := tx.api.CommitTransaction(ctx, h)
	if err != nil {
		return 0, transactionError(err)
	}
	return n, nil
}

// Rollback discards the buffered modifications
func (tx *Transaction) Rollback(ctx context.Context) error {
	h, err := tx.take()
	if err != nil {
		return err
	}
	return transactionError(tx.api.RollbackTransaction(ctx, h))
}

// Close rolls back a transaction that is still open. Rollback errors are
// dropped, so it suits defer.
func (tx *Transaction) Close() {
	h, err := tx.take()
	if err != nil {
		return
	}
	_ = tx.api.RollbackTransaction(context.Background(), h)
}
