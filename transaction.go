package tidekv

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tidekv/tidekv/internal/kverrors"
	"github.com/tidekv/tidekv/recordcodec"
)

// txOp is one operation added to a transaction, plus the rollback
// pre-image captured at commit time; only committed pre-images matter
// for undo, so nothing is captured at add time.
type txOp struct {
	kind  recordcodec.OpKind
	key   []byte
	value []byte

	hadValue      bool
	rollbackValue []byte
}

// Transaction is a grouped, ordered list of writes that commits or rolls
// back atomically against its own keys. Identified by a UUID so IDs stay
// meaningful independently of any single engine's in-memory transaction
// count.
type Transaction struct {
	ID     string
	engine *Engine

	mu        sync.Mutex
	ops       []txOp
	committed bool
	aborted   bool
}

// BeginTransaction allocates a new transaction against e.
func (e *Engine) BeginTransaction() *Transaction {
	tx := &Transaction{ID: uuid.NewString(), engine: e}
	e.transactionsMu.Lock()
	e.transactions[tx.ID] = tx
	e.transactionsMu.Unlock()
	return tx
}

// AddPut appends a Put to the transaction's operation list.
func (tx *Transaction) AddPut(key, value []byte) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.ops = append(tx.ops, txOp{kind: recordcodec.OpPut, key: key, value: value})
}

// AddDelete appends a Delete to the transaction's operation list.
func (tx *Transaction) AddDelete(key []byte) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.ops = append(tx.ops, txOp{kind: recordcodec.OpDelete, key: key, value: []byte(TombstoneValue)})
}

// Commit applies every operation in order through the engine's normal
// Put/Delete path. On any failure it rolls back everything already
// applied and returns the failure, leaving every touched key at its
// pre-commit state.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed || tx.aborted {
		return kverrors.New(kverrors.InvalidArgument, "tidekv: transaction already finalized")
	}

	e := tx.engine
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	for i := range tx.ops {
		value, found, err := e.Get(tx.ops[i].key)
		if err != nil {
			// Nothing has been applied yet: abort without undoing anything.
			tx.rollbackLocked(-1)
			return kverrors.Wrap(kverrors.Aborted, err, "tidekv: transaction commit failed capturing pre-image")
		}
		tx.ops[i].hadValue = found
		if found {
			tx.ops[i].rollbackValue = append([]byte(nil), value...)
		}
	}

	for i, op := range tx.ops {
		var err error
		switch op.kind {
		case recordcodec.OpPut:
			err = e.Put(op.key, op.value)
		case recordcodec.OpDelete:
			err = e.Delete(op.key)
		}
		if err != nil {
			tx.rollbackLocked(i - 1)
			return kverrors.Wrap(kverrors.Aborted, err, "tidekv: transaction commit failed")
		}
	}

	tx.committed = true
	e.removeTransaction(tx.ID)
	return nil
}

// Rollback undoes a previously committed transaction, restoring every
// touched key to its pre-commit state. Rolling back before a commit is
// an error — nothing has touched the engine yet. Only valid exactly
// once, on a committed, not-yet-rolled-back transaction.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.aborted {
		return kverrors.New(kverrors.InvalidArgument, "tidekv: transaction already rolled back")
	}
	if !tx.committed {
		return kverrors.New(kverrors.InvalidArgument, "tidekv: transaction must be committed before it can be rolled back")
	}

	tx.rollbackLocked(len(tx.ops) - 1)
	return nil
}

// rollbackLocked reverses tx.ops[0..upto] in reverse order. tx.mu is
// already held by the caller.
func (tx *Transaction) rollbackLocked(upto int) {
	e := tx.engine
	for i := upto; i >= 0; i-- {
		op := tx.ops[i]
		if op.hadValue {
			_ = e.Put(op.key, op.rollbackValue)
		} else {
			e.hardDelete(op.key)
		}
	}
	tx.aborted = true
	e.removeTransaction(tx.ID)
}

func (e *Engine) removeTransaction(id string) {
	e.transactionsMu.Lock()
	delete(e.transactions, id)
	e.transactionsMu.Unlock()
}
