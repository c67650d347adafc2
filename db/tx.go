package db

import (
	"context"
	"database/sql"
)

// Tx is a sql.Tx that defers side effects until the transaction outcome is
// known. The chain store uses it to hold back reorg notifications until the
// fork switch is durable, so subscribers never observe a tip the database
// does not have.
type Tx struct {
	*sql.Tx
	rollbackCallbacks []func()
	commitCallbacks   []func()
}

// NewTx begins a transaction with callback support on the given DB.
func NewTx(ctx context.Context, db *sql.DB) (*Tx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{
		Tx: tx,
	}, nil
}

// AddRollbackCallback registers cb to run after a successful Rollback.
func (t *Tx) AddRollbackCallback(cb func()) {
	t.rollbackCallbacks = append(t.rollbackCallbacks, cb)
}

// AddCommitCallback registers cb to run after a successful Commit.
func (t *Tx) AddCommitCallback(cb func()) {
	t.commitCallbacks = append(t.commitCallbacks, cb)
}

func (t *Tx) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		return err
	}
	for _, cb := range t.commitCallbacks {
		cb()
	}
	return nil
}

func (t *Tx) Rollback() error {
	if err := t.Tx.Rollback(); err != nil {
		return err
	}
	for _, cb := range t.rollbackCallbacks {
		cb()
	}
	return nil
}
