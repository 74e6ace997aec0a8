// Package storage defines the persistence collaborator the import
// pipeline writes through. The pipeline treats the store as an opaque
// capability: it generates SQL, the store executes it.
package storage

import (
	"context"
	"errors"
	"strings"
)

// ErrNotConnected marks a transient connection failure. Callers retry
// these; every other error propagates immediately.
var ErrNotConnected = errors.New("storage: not connected")

// Command is one parameterized statement inside a transaction.
type Command struct {
	SQL    string
	Params []interface{}
}

// QueryResult is the outcome of a read.
type QueryResult struct {
	Success bool
	Data    []map[string]interface{}
}

// CommandResult is the outcome of a single write.
type CommandResult struct {
	Success bool
	LastID  int64
	Changes int64
}

// TxResult is the outcome of a transaction: all commands applied, or
// none.
type TxResult struct {
	Success bool
	Results []CommandResult
}

// Store is the storage collaborator contract.
type Store interface {
	ExecuteQuery(ctx context.Context, sql string, params ...interface{}) (*QueryResult, error)
	ExecuteCommand(ctx context.Context, sql string, params ...interface{}) (*CommandResult, error)
	ExecuteTransaction(ctx context.Context, commands []Command) (*TxResult, error)
}

// IsTransient reports whether an error is worth retrying: the
// not-connected sentinel, or driver errors that read as connection
// loss.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"not connected",
		"connection refused",
		"connection reset",
		"broken pipe",
		"conn closed",
		"unexpected eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
