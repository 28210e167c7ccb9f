package sqlstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/inngest/runengine/pkg/coredata"
	"github.com/inngest/runengine/pkg/coredata/coredatatest"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{
		Driver: DriverSQLite,
		DSN:    fmt.Sprintf("file:sqlite_%s?mode=memory&cache=shared", ulid.Make()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	coredatatest.Run(t, func(t *testing.T) coredata.Store {
		return newSQLite(t)
	})
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := newSQLite(t)
	require.NoError(t, s.Migrate())

	var n int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM delayed_runs").Scan(&n))
	require.Equal(t, 0, n)
}

func TestOpenRejectsUnknownDrivers(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "mysql", DSN: "x"})
	require.Error(t, err)

	_, err = Open(context.Background(), Options{Driver: DriverPostgres, DSN: "localhost:5432"})
	require.Error(t, err)
}
