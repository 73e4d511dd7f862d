package msacache

import (
	"errors"
	"fmt"
)

// Error kinds. Input and persistence errors abort a whole call; transfer and
// archive errors are confined to the chain they happened on and reported
// through Report.
var (
	ErrInput       = errors.New("input error")
	ErrPersistence = errors.New("persistence error")
	ErrTransfer    = errors.New("transfer error")
	ErrArchive     = errors.New("archive error")
)

// ChainError is a failure while processing a single chain.
type ChainError struct {
	ChainID string
	Key     string
	Op      string // exists, download, extract, archive, upload
	Kind    error
	Err     error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %s: %s: %s: %v", e.ChainID, e.Kind, e.Op, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *ChainError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
