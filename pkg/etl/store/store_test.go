package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/tidelake/stratum/pkg/etl/store"
)

func newTestConn(t *testing.T) store.Conn {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gorm_logger.Discard})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps the in-memory database alive across calls.
	sqlDB.SetMaxOpenConns(1)

	conn, err := store.NewFromGorm(db, "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSQLiteDialectFlattensSchema(t *testing.T) {
	d, err := store.DialectByName("sqlite")
	require.NoError(t, err)

	assert.Equal(t, "raw_emp", d.PhysicalTable("raw", "emp"))
	assert.Equal(t, `"raw_emp"`, d.QualifyTable("raw", "emp"))
	assert.Equal(t, "raw_emp", d.TableRef("raw", "emp"))
	_, ok := d.CreateSchemaStatement("raw")
	assert.False(t, ok)
}

func TestMySQLAndPostgresDialectsQualify(t *testing.T) {
	my, err := store.DialectByName("mysql")
	require.NoError(t, err)
	assert.Equal(t, "`raw`.`emp`", my.QualifyTable("raw", "emp"))
	assert.Equal(t, "raw.emp", my.TableRef("raw", "emp"))

	pg, err := store.DialectByName("postgres")
	require.NoError(t, err)
	assert.Equal(t, `"raw"."emp"`, pg.QualifyTable("raw", "emp"))
}

func TestDialectByNameRejectsUnknown(t *testing.T) {
	_, err := store.DialectByName("oracle")
	assert.Error(t, err)
}

func TestExecAndQueryRows(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	_, err := conn.Exec(ctx, `CREATE TABLE "raw_emp" ("id" INTEGER, "name" TEXT)`)
	require.NoError(t, err)

	n, err := conn.Exec(ctx, `INSERT INTO "raw_emp" ("id", "name") VALUES (?, ?)`, 1, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := conn.QueryRows(ctx, `SELECT "id", "name" FROM "raw_emp" WHERE "id" = ?`, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0]["name"])
}

func TestQueryRowsReturnsPlainValuesForUnmappedTypes(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	// The sqlite driver has no scan type for NUMERIC(p,s) declarations or
	// expression columns; both must still come back as plain values, never
	// as *interface{}.
	_, err := conn.Exec(ctx, `CREATE TABLE "curated_emp" ("emp_id" INTEGER, "salary" NUMERIC(10,2))`)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, `INSERT INTO "curated_emp" VALUES (1, 100.5), (2, -3.25)`)
	require.NoError(t, err)

	rows, err := conn.QueryRows(ctx, `SELECT "salary", COUNT(*) AS c FROM "curated_emp" GROUP BY "salary" ORDER BY "salary"`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.IsNotType(t, new(interface{}), row["salary"])
		assert.IsNotType(t, new(interface{}), row["c"])
	}
	assert.EqualValues(t, -3.25, rows[0]["salary"])
	assert.EqualValues(t, 1, rows[0]["c"])
	assert.EqualValues(t, 100.5, rows[1]["salary"])
}

func TestBulkInsertChunksByChunkSize(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	_, err := conn.Exec(ctx, `CREATE TABLE "t" ("a" INTEGER, "b" INTEGER)`)
	require.NoError(t, err)

	rows := make([][]interface{}, 5)
	for i := range rows {
		rows[i] = []interface{}{i, i * 10}
	}
	// A chunk size of 2 with a roomy parameter budget splits 5 rows into
	// three statements; all rows must still land.
	n, err := conn.BulkInsert(ctx, `"t"`, []string{"a", "b"}, rows, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	got, err := conn.QueryRows(ctx, `SELECT COUNT(*) AS c FROM "t"`)
	require.NoError(t, err)
	assert.EqualValues(t, 5, got[0]["c"])
}

func TestBulkInsertChunksByParamBudget(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	_, err := conn.Exec(ctx, `CREATE TABLE "t" ("a" INTEGER, "b" INTEGER)`)
	require.NoError(t, err)

	rows := make([][]interface{}, 7)
	for i := range rows {
		rows[i] = []interface{}{i, i * 10}
	}
	// Budget of 4 params with 2 columns forces chunks of 2 rows.
	n, err := conn.BulkInsert(ctx, `"t"`, []string{"a", "b"}, rows, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	got, err := conn.QueryRows(ctx, `SELECT COUNT(*) AS c FROM "t"`)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got[0]["c"])
}

func TestBulkInsertRejectsMisalignedRow(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	_, err := conn.Exec(ctx, `CREATE TABLE "t" ("a" INTEGER, "b" INTEGER)`)
	require.NoError(t, err)

	_, err = conn.BulkInsert(ctx, `"t"`, []string{"a", "b"}, [][]interface{}{{1}}, 0, 0)
	assert.Error(t, err)
}

func TestUpsertUpdatesOnConflict(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	_, err := conn.Exec(ctx, `CREATE TABLE "w" ("k" TEXT PRIMARY KEY, "v" INTEGER)`)
	require.NoError(t, err)

	_, err = conn.Upsert(ctx, "w", []map[string]interface{}{{"k": "x", "v": 1}}, []string{"k"}, []string{"v"})
	require.NoError(t, err)
	_, err = conn.Upsert(ctx, "w", []map[string]interface{}{{"k": "x", "v": 2}}, []string{"k"}, []string{"v"})
	require.NoError(t, err)

	rows, err := conn.QueryRows(ctx, `SELECT "v" FROM "w" WHERE "k" = ?`, "x")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, rows[0]["v"])
}

func TestTableExistsIsCaseInsensitive(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	_, err := conn.Exec(ctx, `CREATE TABLE "curated_Emp" ("id" INTEGER)`)
	require.NoError(t, err)

	exists, err := conn.TableExists(ctx, "curated", "emp")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = conn.TableExists(ctx, "curated", "dept")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	_, err := conn.Exec(ctx, `CREATE TABLE "t" ("a" INTEGER)`)
	require.NoError(t, err)

	err = conn.Transaction(ctx, func(tx store.Conn) error {
		if _, err := tx.Exec(ctx, `INSERT INTO "t" ("a") VALUES (?)`, 1); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO "no_such_table" ("a") VALUES (?)`, 1)
		return err
	})
	require.Error(t, err)

	rows, err := conn.QueryRows(ctx, `SELECT COUNT(*) AS c FROM "t"`)
	require.NoError(t, err)
	assert.EqualValues(t, 0, rows[0]["c"])
}
