// Package diskv implements a credential storage backend using the diskv key-value store.
package diskv

import (
	"path/filepath"
	"strings"

	"github.com/micromdm/nanoapns/storage/kv"

	nlkv "github.com/micromdm/nanolib/storage/kv"
	"github.com/micromdm/nanolib/storage/kv/kvdiskv"
	"github.com/micromdm/nanolib/storage/kv/kvtxn"
	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a storage backend that uses diskv.
type Diskv struct {
	*kv.KV
}

// TopicTransform places keys into a directory named for their topic.
// Keys are of the form "<topic>.<field>"; only the field is the file name.
func TopicTransform(key string) []string {
	i := strings.LastIndex(key, ".")
	if i < 1 {
		return []string{}
	}
	return []string{key[:i]}
}

// StripPrefixTransform wraps next in a function that trims prefix from the key.
func StripPrefixTransform(next diskv.TransformFunction, prefix string) diskv.TransformFunction {
	return func(key string) []string {
		return next(strings.TrimPrefix(key, prefix))
	}
}

func newBucketWithTransform(path, name string, transform diskv.TransformFunction) nlkv.TxnBucketWithCRUD {
	return kvtxn.New(kvdiskv.New(diskv.New(diskv.Options{
		BasePath:     filepath.Join(path, name),
		Transform:    transform,
		CacheSizeMax: 1024 * 1024,
	})))
}

// New creates a new storage backend that uses diskv.
func New(path string) *Diskv {
	return &Diskv{KV: kv.New(
		// group credential files by topic, dropping the Apple push
		// certificate prefix from MDM topics
		newBucketWithTransform(
			path,
			"credentials",
			StripPrefixTransform(TopicTransform, "com.apple.mgmt.External."),
		),
	)}
}
