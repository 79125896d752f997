// Package kv implements a credential storage backend that uses key-value stores.
package kv

import (
	"strings"

	"github.com/micromdm/nanolib/storage/kv"
)

const keySep = "."

// join concatenates s together by placing [keySep] in-between.
func join(s ...string) string {
	return strings.Join(s, keySep)
}

// KV is a credential storage backend that uses key-value stores.
type KV struct {
	credentials kv.TxnCRUDBucket
}

// New creates a new credential storage backend that uses key-value stores.
func New(credentials kv.TxnCRUDBucket) *KV {
	if credentials == nil {
		panic("nil bucket")
	}
	return &KV{credentials: credentials}
}
