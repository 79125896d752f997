package mysql

import (
	"context"
	"os"
	"testing"

	"github.com/micromdm/nanoapns/storage/test"

	_ "github.com/go-sql-driver/mysql"
)

func TestMySQL(t *testing.T) {
	testDSN := os.Getenv("NANOAPNS_MYSQL_STORAGE_TEST_DSN")
	if testDSN == "" {
		t.Skip("NANOAPNS_MYSQL_STORAGE_TEST_DSN not set")
	}

	s, err := New(WithDSN(testDSN), WithCreateSchema())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	if _, err = s.db.ExecContext(ctx, "DELETE FROM credentials;"); err != nil {
		t.Fatal(err)
	}

	test.TestCredentialStorage(t, ctx, s)
}
