package filecache

import "github.com/pkg/errors"

// ErrCacheMiss and ErrCacheFull are control-flow signals: the facade
// handles them locally rather than treating them as faults.
var (
	ErrCacheMiss = errors.New("filecache: cache miss")
	ErrCacheFull = errors.New("filecache: cache full")
)

// IndexError wraps a Block Index transaction failure.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string { return "filecache: index error during " + e.Op + ": " + e.Err.Error() }
func (e *IndexError) Unwrap() error { return e.Err }

func indexErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IndexError{Op: op, Err: err}
}

// ShadowIOError wraps a shadow-file I/O failure.
type ShadowIOError struct {
	Op  string
	Err error
}

func (e *ShadowIOError) Error() string {
	return "filecache: shadow I/O error during " + e.Op + ": " + e.Err.Error()
}
func (e *ShadowIOError) Unwrap() error { return e.Err }

func shadowErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ShadowIOError{Op: op, Err: err}
}
