package mongodb

import (
	"context"
	"os"
	"testing"

	"github.com/micromdm/nanoapns/storage/test"

	"go.mongodb.org/mongo-driver/bson"
)

func TestMongoDB(t *testing.T) {
	testURI := os.Getenv("NANOAPNS_MONGODB_STORAGE_TEST_URI")
	if testURI == "" {
		t.Skip("NANOAPNS_MONGODB_STORAGE_TEST_URI not set")
	}

	ctx := context.Background()

	s, err := New(ctx, testURI, WithDatabase("nanoapns_test"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)

	if _, err = s.CredentialCollection.DeleteMany(ctx, bson.M{}); err != nil {
		t.Fatal(err)
	}

	test.TestCredentialStorage(t, ctx, s)
}
