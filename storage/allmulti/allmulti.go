// Package allmulti dispatches credential storage to multiple backends.
package allmulti

import (
	"github.com/micromdm/nanoapns/storage"

	"github.com/micromdm/nanolib/log"
)

// MultiAllStorage dispatches to multiple AllStorage instances.
// It returns results and errors from the first store and simply
// logs errors, if any, for the remaining.
type MultiAllStorage struct {
	logger log.Logger
	stores []storage.AllStorage
}

// New creates a new MultiAllStorage dispatcher.
func New(logger log.Logger, stores ...storage.AllStorage) *MultiAllStorage {
	if len(stores) < 1 {
		panic("must supply at least one store")
	}
	if logger == nil {
		logger = log.NopLogger
	}
	return &MultiAllStorage{logger: logger, stores: stores}
}
