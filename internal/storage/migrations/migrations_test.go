package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	stmts, err := splitStatements(`
-- leading comment
CREATE TABLE a (x String) ENGINE = Memory;

CREATE TABLE b (y String DEFAULT 'it''s') ENGINE = Memory;
`)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x String) ENGINE = Memory", stmts[0])
	assert.Contains(t, stmts[1], "'it''s'")
}

func TestSplitStatements_RejectsSemicolonInString(t *testing.T) {
	_, err := splitStatements(`INSERT INTO t VALUES ('a;b');`)
	assert.Error(t, err)
}

func TestEmbeddedFilesPresent(t *testing.T) {
	pg, err := sqlFiles(PostgresFS, "postgres")
	require.NoError(t, err)
	assert.Contains(t, pg, "001_init.sql")

	ch, err := sqlFiles(ClickhouseFS, "clickhouse")
	require.NoError(t, err)
	assert.Contains(t, ch, "001_trade_legs.sql")

	for _, file := range ch {
		data, err := ClickhouseFS.ReadFile("clickhouse/" + file)
		require.NoError(t, err)
		_, err = splitStatements(string(data))
		assert.NoError(t, err, file)
	}
}

func TestDatabaseFromDSN(t *testing.T) {
	db, err := databaseFromDSN("clickhouse://default:@localhost:9000/dexpnl")
	require.NoError(t, err)
	assert.Equal(t, "dexpnl", db)

	_, err = databaseFromDSN("clickhouse://localhost:9000")
	assert.Error(t, err)
}
