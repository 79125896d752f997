package allmulti

import (
	"context"
	"testing"

	"github.com/micromdm/nanoapns/storage"
	"github.com/micromdm/nanoapns/storage/diskv"
	"github.com/micromdm/nanoapns/storage/inmem"
	"github.com/micromdm/nanoapns/storage/test"

	"github.com/micromdm/nanolib/log"
)

func TestMulti(t *testing.T) {
	ctx := context.Background()
	second := inmem.New()
	ms := New(log.NopLogger, diskv.New(t.TempDir()), second)

	test.TestCredentialStorage(t, ctx, ms)

	// writes are dispatched to every store
	cred, _, err := second.RetrieveCredential(ctx, "com.example.storage.cert")
	if err != nil {
		t.Fatal(err)
	}
	if cred.Scheme() == 0 {
		t.Error("expected credential in second store")
	}

	var _ storage.AllStorage = ms
}
