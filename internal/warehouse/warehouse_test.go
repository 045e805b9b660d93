package warehouse_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/crewjobs/internal/testutil"
	"github.com/suPer8Hu/crewjobs/internal/warehouse"
)

func TestValidate(t *testing.T) {
	ok := map[string]string{
		"SELECT 1;":                            "SELECT 1",
		"  select a from t -- trailing":        "select a from t",
		"WITH x AS (SELECT 1) SELECT * FROM x": "WITH x AS (SELECT 1) SELECT * FROM x",
		"/* plan */ SELECT updated_at FROM t":  "SELECT updated_at FROM t",
	}
	for in, want := range ok {
		got, err := warehouse.Validate(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	bad := []string{
		"DELETE FROM revenue",
		"SELECT 1; DROP TABLE revenue",
		"UPDATE t SET a = 1",
		"SELECT * INTO backup FROM t",
		"WITH d AS (DELETE FROM t RETURNING *) SELECT * FROM d",
		"PRAGMA table_info(t)",
		"SELECT LOAD_FILE('/etc/passwd')",
		"SELECT SLEEP (30)",
		"select benchmark(1000000, md5('x'))",
		"SELECT pg_read_file('/etc/passwd')",
	}
	for _, in := range bad {
		_, err := warehouse.Validate(in)
		require.ErrorIs(t, err, warehouse.ErrNotReadOnly, in)
	}

	_, err := warehouse.Validate(" -- only a comment ")
	require.ErrorIs(t, err, warehouse.ErrEmptyQuery)
}

func TestService_Query(t *testing.T) {
	gdb := testutil.OpenSQLite(t)
	require.NoError(t, gdb.Exec(`CREATE TABLE revenue (region TEXT, quarter TEXT, amount INTEGER)`).Error)
	require.NoError(t, gdb.Exec(`INSERT INTO revenue VALUES ('west','Q1',100),('west','Q2',150),('east','Q1',90)`).Error)

	svc := warehouse.NewService(gdb, 10, time.Second)
	res, err := svc.Query(context.Background(),
		"SELECT region, SUM(amount) AS total FROM revenue GROUP BY region ORDER BY region;")
	require.NoError(t, err)

	assert.Equal(t, []string{"region", "total"}, res.Columns)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "east", res.Rows[0]["region"])
	assert.EqualValues(t, 90, res.Rows[0]["total"])
	assert.EqualValues(t, 250, res.Rows[1]["total"])
	assert.False(t, res.Truncated)
}

func TestService_QueryTruncates(t *testing.T) {
	gdb := testutil.OpenSQLite(t)
	require.NoError(t, gdb.Exec(`CREATE TABLE n (v INTEGER)`).Error)
	require.NoError(t, gdb.Exec(`INSERT INTO n VALUES (1),(2),(3),(4)`).Error)

	res, err := warehouse.NewService(gdb, 2, time.Second).Query(context.Background(), "SELECT v FROM n ORDER BY v")
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
	assert.True(t, res.Truncated)
}

func TestService_QueryRejectsWrites(t *testing.T) {
	gdb := testutil.OpenSQLite(t)
	require.NoError(t, gdb.Exec(`CREATE TABLE n (v INTEGER)`).Error)

	_, err := warehouse.NewService(gdb, 2, time.Second).Query(context.Background(), "DROP TABLE n")
	require.ErrorIs(t, err, warehouse.ErrNotReadOnly)

	require.NoError(t, gdb.Exec(`SELECT COUNT(*) FROM n`).Error)
}

func TestService_QueryReleasesTransaction(t *testing.T) {
	gdb := testutil.OpenSQLite(t)
	require.NoError(t, gdb.Exec(`CREATE TABLE n (v INTEGER)`).Error)
	require.NoError(t, gdb.Exec(`INSERT INTO n VALUES (1)`).Error)
	svc := warehouse.NewService(gdb, 10, time.Second)

	for i := 0; i < 3; i++ {
		res, err := svc.Query(context.Background(), "SELECT v FROM n")
		require.NoError(t, err)
		require.Len(t, res.Rows, 1)
	}

	// the read-only transaction is rolled back, so the single sqlite
	// connection is free for writers again
	require.NoError(t, gdb.Exec(`INSERT INTO n VALUES (2)`).Error)
	res, err := svc.Query(context.Background(), "SELECT COUNT(*) AS c FROM n")
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Rows[0]["c"])
}

func TestValidate_ColumnNamedLikeFunction(t *testing.T) {
	_, err := warehouse.Validate("SELECT sleep_minutes FROM shifts")
	require.NoError(t, err)
}
