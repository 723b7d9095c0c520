package queryset

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/dbtypes"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/filters"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

func openCompanies(t *testing.T) (*sql.DB, *models.Table) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE companies (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		founded TEXT,
		logo BLOB
	)`)
	require.NoError(t, err)

	for i := 1; i <= 30; i++ {
		name := fmt.Sprintf("Company %02d", i)
		if i == 1 {
			name = "Acme Corp"
		}
		founded := fmt.Sprintf("2024-%02d-%02d", (i%3)+1, i%28+1)
		_, err := db.Exec(`INSERT INTO companies (id, name, founded, logo) VALUES (?, ?, ?, ?)`,
			i, name, founded, []byte{0xff, byte(i)})
		require.NoError(t, err)
	}

	table := &models.Table{
		Name:       "companies",
		Backend:    models.BackendSQL,
		PrimaryKey: []string{"id"},
		Columns: []*models.Column{
			{Name: "id", Type: dbtypes.Integer, PrimaryKey: true},
			{Name: "name", Type: dbtypes.Char},
			{Name: "founded", Type: dbtypes.Date},
			{Name: "logo", Type: dbtypes.Binary},
		},
	}
	return db, table
}

func sqliteQueryset(t *testing.T, db *sql.DB, table *models.Table) Queryset {
	t.Helper()
	d, err := DialectFor(models.EngineSQLite)
	require.NoError(t, err)
	return newSQLQueryset(t, models.EngineSQLite, table, NewDBRunner(db, d, zaptest.NewLogger(t)))
}

func TestSQLite_LookupCorrectness(t *testing.T) {
	db, table := openCompanies(t)
	qs := sqliteQueryset(t, db, table)
	ctx := context.Background()

	tests := []struct {
		lookup filters.Lookup
		raw    string
		want   int
	}{
		{filters.IContains, "acme", 1},
		{filters.StartsWith, "Acme", 1},
		{filters.Exact, "acme", 0},
		{filters.Exact, "Acme Corp", 1},
		{filters.In, "A,B,Acme Corp", 1},
		{filters.EndsWith, "Corp", 1},
		{filters.IContains, "company", 29},
		{filters.IContains, "%", 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.lookup)+"_"+tt.raw, func(t *testing.T) {
			rows, err := qs.Filter(mustPredicate(t, table, "name", tt.lookup, tt.raw)).All(ctx)
			require.NoError(t, err)
			assert.Len(t, rows, tt.want)
		})
	}
}

func TestSQLite_ExcludeAndSearch(t *testing.T) {
	db, table := openCompanies(t)
	qs := sqliteQueryset(t, db, table)
	ctx := context.Background()

	p := mustPredicate(t, table, "name", filters.IContains, "company")
	p.Exclude = true
	rows, err := qs.Filter(p).All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Acme Corp", rows[0]["name"])

	rows, err = qs.Search("ACME").All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0]["id"])

	// A numeric term also matches the primary key.
	rows, err = qs.Search("7").All(ctx)
	require.NoError(t, err)
	ids := make([]any, len(rows))
	for i, r := range rows {
		ids[i] = r["id"]
	}
	assert.Contains(t, ids, int64(7))
	assert.Contains(t, ids, int64(17))
}

func TestSQLite_PaginationDeterminism(t *testing.T) {
	db, table := openCompanies(t)
	qs := sqliteQueryset(t, db, table).OrderBy("-id").Offset(10).Limit(5)
	ctx := context.Background()

	first, err := qs.All(ctx)
	require.NoError(t, err)
	second, err := qs.All(ctx)
	require.NoError(t, err)

	require.Len(t, first, 5)
	assert.Equal(t, first, second)
	ids := make([]int64, len(first))
	for i, r := range first {
		ids[i] = r["id"].(int64)
	}
	assert.Equal(t, []int64{20, 19, 18, 17, 16}, ids)
}

func TestSQLite_CountAggregateGroup(t *testing.T) {
	db, table := openCompanies(t)
	qs := sqliteQueryset(t, db, table)
	ctx := context.Background()

	res, err := qs.Limit(3).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, CountResult{Count: 30}, res)

	sum, err := qs.Aggregate(ctx, AggSum, "id")
	require.NoError(t, err)
	assert.EqualValues(t, 465, sum)

	groups, err := qs.Group(ctx, GroupSpec{
		XColumns: []string{"founded"},
		XLookups: []Bucket{BucketMonth},
		YFunc:    AggCount,
	})
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, "2024-01-01", groups[0].Keys["founded__month"])
	assert.EqualValues(t, 10, groups[0].Value)
}

func TestSQLite_BinaryValuesAreHex(t *testing.T) {
	db, table := openCompanies(t)
	qs := sqliteQueryset(t, db, table)

	rows, err := qs.Filter(mustPredicate(t, table, "id", filters.Exact, "3")).All(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ff03", rows[0]["logo"])
}

func TestSQLite_AutoPKNullRowsExcluded(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE notes (code TEXT, body TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO notes VALUES ('a', 'first'), (NULL, 'orphan'), ('b', 'second')`)
	require.NoError(t, err)

	table := &models.Table{
		Name:       "notes",
		Backend:    models.BackendSQL,
		PrimaryKey: []string{"code"},
		AutoPK:     true,
		Columns: []*models.Column{
			{Name: "code", Type: dbtypes.Text, PrimaryKey: true, Nullable: true},
			{Name: "body", Type: dbtypes.Text, Nullable: true},
		},
	}
	qs := sqliteQueryset(t, db, table)

	rows, err := qs.All(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0]["code"])
	assert.Equal(t, "b", rows[1]["code"])

	res, err := qs.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Count)
}
