package TxnDB

import "errors"

var (
	ErrKeyIsEmpty            = errors.New("key is empty")
	ErrKeyNotFound           = errors.New("key not found")
	ErrTxnNotFound           = errors.New("transaction not found")
	ErrTxnClosed             = errors.New("transaction is already committed or aborted")
	ErrUnknownIsolationLevel = errors.New("unknown isolation level")
	ErrDeadlockAbort         = errors.New("transaction aborted as deadlock victim")
	ErrTsOrderConflict       = errors.New("transaction aborted due to timestamp ordering conflict")
	ErrDatabaseIsUsing       = errors.New("the database directory is used by another process")
	ErrCheckpointInProgress  = errors.New("another checkpoint is in progress")
)
