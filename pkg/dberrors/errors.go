package dberrors

import "errors"

var (
	ErrNotFound         = errors.New("tabledb: not found")
	ErrClosed           = errors.New("tabledb: closed")
	ErrInvalidArgument  = errors.New("tabledb: invalid argument")
	ErrLocked           = errors.New("tabledb: table replica is locked by another writer")
	ErrArenaSealed      = errors.New("tabledb: arena already flushed")
	ErrSchemaViolation  = errors.New("tabledb: record does not conform to schema")
	ErrCorruptSegment   = errors.New("tabledb: corrupt segment")
	ErrChecksumMismatch = errors.New("tabledb: checksum mismatch")
	ErrReplicaConflict  = errors.New("tabledb: replica chunk conflicts with local chunk")
)
