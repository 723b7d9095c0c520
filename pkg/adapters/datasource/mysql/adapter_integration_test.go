//go:build integration

package mysql

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/dbtypes"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/filters"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/queryset"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/testhelpers"
)

func seedLibrary(t *testing.T, m *testhelpers.TestMySQL) {
	t.Helper()
	mc, err := buildConfig(m.Config(), datasource.Endpoint{Host: m.Host, Port: m.Port}, 10*time.Second)
	require.NoError(t, err)
	mc.MultiStatements = true

	db, err := sql.Open("mysql", mc.FormatDSN())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		DROP TABLE IF EXISTS books;
		DROP TABLE IF EXISTS authors;
		CREATE TABLE authors (
			id int AUTO_INCREMENT PRIMARY KEY,
			name varchar(80) NOT NULL,
			genre enum('Fiction','History') NOT NULL
		);
		CREATE TABLE books (
			id int AUTO_INCREMENT PRIMARY KEY,
			author_id int NOT NULL,
			title varchar(200) NOT NULL,
			price decimal(8,2),
			published date,
			FOREIGN KEY (author_id) REFERENCES authors(id)
		);
		INSERT INTO authors (name, genre) VALUES ('Le Guin', 'Fiction'), ('Tuchman', 'History');
		INSERT INTO books (author_id, title, price, published) VALUES
			(1, 'The Dispossessed', 12.50, '1974-05-01'),
			(1, 'The Lathe of Heaven', 9.99, '1971-03-01'),
			(2, 'The Guns of August', 18.00, '1962-01-01');
	`)
	require.NoError(t, err)
}

func TestAdapter_OpenReflectQuery(t *testing.T) {
	m := testhelpers.GetTestMySQL(t)
	seedLibrary(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := m.Config()
	handle, err := Open(ctx, cfg, datasource.OpenOptions{
		Endpoint:       datasource.Endpoint{Host: m.Host, Port: m.Port},
		ConnectTimeout: 10 * time.Second,
		PoolSize:       2,
		Reflection:     datasource.DefaultReflectionOptions(),
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	schema, err := handle.Reflect(ctx, datasource.ReflectRequest{Config: cfg})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"authors", "books"}, schema.TableNames())

	authors, _ := schema.Table("authors")
	genre, _ := authors.Column("genre")
	assert.Equal(t, dbtypes.Select, genre.Type)
	assert.Equal(t, []string{"Fiction", "History"}, genre.Params.Choices)

	books, _ := schema.Table("books")
	price, _ := books.Column("price")
	assert.Equal(t, 8, price.Params.Precision)
	assert.Equal(t, 2, price.Params.Scale)
	authorID, _ := books.Column("author_id")
	assert.Equal(t, dbtypes.ForeignKey, authorID.Type)

	qs, err := queryset.New(handle, books, queryset.DefaultOptions())
	require.NoError(t, err)

	builder := filters.NewBuilder(zaptest.NewLogger(t))
	title, _ := books.Column("title")
	pred, err := builder.Build(title, filters.IContains, false, "the ")
	require.NoError(t, err)

	count, err := qs.Filter(pred).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count.Count)
	assert.False(t, count.Approximate)

	cheap, err := builder.Build(price, filters.LT, false, "15")
	require.NoError(t, err)
	rows, err := qs.Filter(cheap).OrderBy("price").All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "The Lathe of Heaven", rows[0]["title"])

	groups, err := qs.Group(ctx, queryset.GroupSpec{
		XColumns: []string{"published"},
		XLookups: []queryset.Bucket{queryset.BucketYear},
		YFunc:    queryset.AggCount,
	})
	require.NoError(t, err)
	assert.Len(t, groups, 3)
}
