package ponderevent

import "fmt"

// UndefinedTableError is returned when a handler references a table name
// that is not declared in the user schema.
type UndefinedTableError struct {
	Table string
}

func (e *UndefinedTableError) Error() string {
	return fmt.Sprintf("undefined table: %s", e.Table)
}

// NewUndefinedTableError builds an UndefinedTableError.
func NewUndefinedTableError(table string) error {
	return &UndefinedTableError{Table: table}
}

// InvalidStoreMethodError is returned when a handler attempts to write to a
// table declared offchain, or invokes a store method the table does not
// support.
type InvalidStoreMethodError struct {
	Table  string
	Method string
}

func (e *InvalidStoreMethodError) Error() string {
	return fmt.Sprintf("invalid store method %s on table %s", e.Method, e.Table)
}

// NewInvalidStoreMethodError builds an InvalidStoreMethodError.
func NewInvalidStoreMethodError(table, method string) error {
	return &InvalidStoreMethodError{Table: table, Method: method}
}

// RecordNotFoundError is returned by Update/Delete when no row matches the
// given primary key.
type RecordNotFoundError struct {
	Table string
	Key   any
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("record not found in %s for key %v", e.Table, e.Key)
}

// NewRecordNotFoundError builds a RecordNotFoundError.
func NewRecordNotFoundError(table string, key any) error {
	return &RecordNotFoundError{Table: table, Key: key}
}

// UniqueConstraintError wraps a user schema unique-constraint violation
// surfaced from the underlying database driver.
type UniqueConstraintError struct {
	Table      string
	Constraint string
	Cause      error
}

func (e *UniqueConstraintError) Error() string {
	return fmt.Sprintf("unique constraint %s violated on %s: %v", e.Constraint, e.Table, e.Cause)
}

func (e *UniqueConstraintError) Unwrap() error { return e.Cause }

// NewUniqueConstraintError builds a UniqueConstraintError.
func NewUniqueConstraintError(table, constraint string, cause error) error {
	return &UniqueConstraintError{Table: table, Constraint: constraint, Cause: cause}
}

// NotNullError wraps a user schema not-null-constraint violation.
type NotNullError struct {
	Table  string
	Column string
	Cause  error
}

func (e *NotNullError) Error() string {
	return fmt.Sprintf("not-null constraint violated on %s.%s: %v", e.Table, e.Column, e.Cause)
}

func (e *NotNullError) Unwrap() error { return e.Cause }

// NewNotNullError builds a NotNullError.
func NewNotNullError(table, column string, cause error) error {
	return &NotNullError{Table: table, Column: column, Cause: cause}
}

// CheckConstraintError wraps a user schema check-constraint violation.
type CheckConstraintError struct {
	Table      string
	Constraint string
	Cause      error
}

func (e *CheckConstraintError) Error() string {
	return fmt.Sprintf("check constraint %s violated on %s: %v", e.Constraint, e.Table, e.Cause)
}

func (e *CheckConstraintError) Unwrap() error { return e.Cause }

// NewCheckConstraintError builds a CheckConstraintError.
func NewCheckConstraintError(table, constraint string, cause error) error {
	return &CheckConstraintError{Table: table, Constraint: constraint, Cause: cause}
}

// RPCTransientError wraps a timeout, 5xx, or rate-limit response from an RPC
// provider. rpc.WithRetry retries these with exponential backoff and returns
// this error only once cfg.MaxAttempts attempts have failed (a MaxAttempts
// of 0 retries without limit).
type RPCTransientError struct {
	ChainID uint64
	Cause   error
}

func (e *RPCTransientError) Error() string {
	return fmt.Sprintf("transient rpc error on chain %d: %v", e.ChainID, e.Cause)
}

func (e *RPCTransientError) Unwrap() error { return e.Cause }

// NewRPCTransientError builds an RPCTransientError.
func NewRPCTransientError(chainID uint64, cause error) error {
	return &RPCTransientError{ChainID: chainID, Cause: cause}
}

// RPCPermanentError wraps a 4xx (other than 429) or malformed RPC response.
// rpc.WithRetry returns it on the first failure without retrying, and the
// fetch is aborted; no escalation window is applied to it.
type RPCPermanentError struct {
	ChainID uint64
	Cause   error
}

func (e *RPCPermanentError) Error() string {
	return fmt.Sprintf("permanent rpc error on chain %d: %v", e.ChainID, e.Cause)
}

func (e *RPCPermanentError) Unwrap() error { return e.Cause }

// NewRPCPermanentError builds an RPCPermanentError.
func NewRPCPermanentError(chainID uint64, cause error) error {
	return &RPCPermanentError{ChainID: chainID, Cause: cause}
}

// DeepReorgError is returned when realtime sync walks back more than
// finalityDepth blocks without finding a common ancestor in the canonical
// chain. Fatal: the instance stops and reports this upstream.
type DeepReorgError struct {
	ChainID       uint64
	WalkedBlocks  uint64
	FinalityDepth uint64
}

func (e *DeepReorgError) Error() string {
	return fmt.Sprintf("deep reorg on chain %d: walked %d blocks past finality depth %d without common ancestor",
		e.ChainID, e.WalkedBlocks, e.FinalityDepth)
}

// NewDeepReorgError builds a DeepReorgError.
func NewDeepReorgError(chainID, walkedBlocks, finalityDepth uint64) error {
	return &DeepReorgError{ChainID: chainID, WalkedBlocks: walkedBlocks, FinalityDepth: finalityDepth}
}

// HeartbeatLostError is returned when an instance's own heartbeat update
// fails for longer than the staleness window; the instance demotes itself
// to stopped and exits 75 asking for restart.
type HeartbeatLostError struct {
	InstanceID string
	Cause      error
}

func (e *HeartbeatLostError) Error() string {
	return fmt.Sprintf("heartbeat lost for instance %s: %v", e.InstanceID, e.Cause)
}

func (e *HeartbeatLostError) Unwrap() error { return e.Cause }

// NewHeartbeatLostError builds a HeartbeatLostError.
func NewHeartbeatLostError(instanceID string, cause error) error {
	return &HeartbeatLostError{InstanceID: instanceID, Cause: cause}
}

// DBConnectionLostError wraps a database connectivity failure. Nothing in
// the core constructs it: database errors are returned as pgx reports them,
// and there is no reconnect or pause on a lost connection.
type DBConnectionLostError struct {
	Cause error
}

func (e *DBConnectionLostError) Error() string {
	return fmt.Sprintf("database connection lost: %v", e.Cause)
}

func (e *DBConnectionLostError) Unwrap() error { return e.Cause }

// NewDBConnectionLostError builds a DBConnectionLostError.
func NewDBConnectionLostError(cause error) error {
	return &DBConnectionLostError{Cause: cause}
}
