package inmem

import (
	"context"
	"testing"

	"github.com/micromdm/nanoapns/storage/test"
)

func TestInMem(t *testing.T) {
	test.TestCredentialStorage(t, context.Background(), New())
}
