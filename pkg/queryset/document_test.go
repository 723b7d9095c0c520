package queryset

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/dbtypes"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/filters"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

type fakeStore struct {
	findFilter  bson.D
	findOpts    FindOptions
	countFilter bson.D
	pipeline    bson.A
	docs        []bson.M
	estimate    int64
	estimateErr error
	exact       int64
	counted     bool
	err         error
}

func (s *fakeStore) Find(_ context.Context, _ string, filter bson.D, opts FindOptions) ([]bson.M, error) {
	s.findFilter, s.findOpts = filter, opts
	return s.docs, s.err
}

func (s *fakeStore) CountDocuments(_ context.Context, _ string, filter bson.D) (int64, error) {
	s.counted = true
	s.countFilter = filter
	return s.exact, s.err
}

func (s *fakeStore) EstimatedDocumentCount(context.Context, string) (int64, error) {
	return s.estimate, s.estimateErr
}

func (s *fakeStore) Aggregate(_ context.Context, _ string, pipeline bson.A) ([]bson.M, error) {
	s.pipeline = pipeline
	return s.docs, s.err
}

type docSource struct{ store DocumentStore }

func (docSource) Engine() models.Engine { return models.EngineMongo }
func (s docSource) Documents() DocumentStore { return s.store }

func usersCollection() *models.Table {
	return &models.Table{
		Name:       "users",
		Backend:    models.BackendDocument,
		PrimaryKey: []string{"_id"},
		Columns: []*models.Column{
			{Name: "_id", Type: dbtypes.Binary, PrimaryKey: true, Params: models.ColumnParams{Subtype: "object_id"}},
			{Name: "name", Type: dbtypes.Char},
			{Name: "age", Type: dbtypes.Integer},
			{Name: "joined", Type: dbtypes.DateTime},
			{Name: "tags", Type: dbtypes.JSON},
		},
	}
}

func newDocQueryset(t *testing.T, store *fakeStore) Queryset {
	t.Helper()
	opts := DefaultOptions()
	opts.Logger = zaptest.NewLogger(t)
	qs, err := New(docSource{store: store}, usersCollection(), opts)
	require.NoError(t, err)
	return qs
}

func TestDocumentQueryset_FilterOrderPaginate(t *testing.T) {
	table := usersCollection()
	id := bson.NewObjectID()
	store := &fakeStore{docs: []bson.M{{
		"_id":    id,
		"name":   "Ada",
		"joined": bson.NewDateTimeFromTime(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)),
		"tags":   bson.A{"x", bson.D{{Key: "k", Value: "v"}}},
		"avatar": bson.Binary{Data: []byte{0xff}},
	}}}
	qs := newDocQueryset(t, store)

	excluded := mustPredicate(t, table, "age", filters.LT, "18")
	excluded.Exclude = true

	rows, err := qs.Filter(
		mustPredicate(t, table, "name", filters.IContains, "a.d"),
		excluded,
		mustPredicate(t, table, "_id", filters.In, id.Hex()),
	).OrderBy("-age").Offset(5).Limit(10).All(context.Background())
	require.NoError(t, err)

	assert.Equal(t, bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "name", Value: bson.Regex{Pattern: `a\.d`, Options: "i"}}},
		bson.D{{Key: "$nor", Value: bson.A{bson.D{{Key: "age", Value: bson.D{{Key: "$lt", Value: int64(18)}}}}}}},
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: bson.A{id}}}}},
	}}}, store.findFilter)
	assert.Equal(t, FindOptions{
		Sort:  bson.D{{Key: "age", Value: -1}, {Key: "_id", Value: 1}},
		Skip:  5,
		Limit: 10,
	}, store.findOpts)

	require.Len(t, rows, 1)
	assert.Equal(t, id.Hex(), rows[0]["_id"])
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), rows[0]["joined"])
	assert.Equal(t, []any{"x", map[string]any{"k": "v"}}, rows[0]["tags"])
	assert.Equal(t, "ff", rows[0]["avatar"])
}

func TestDocumentQueryset_Search(t *testing.T) {
	store := &fakeStore{}
	qs := newDocQueryset(t, store)

	_, err := qs.Search("bob").All(context.Background())
	require.NoError(t, err)

	re := bson.Regex{Pattern: "bob", Options: "i"}
	assert.Equal(t, bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "name", Value: re}},
			bson.D{{Key: "tags", Value: re}},
		}}},
	}}}, store.findFilter)
}

func TestDocumentQueryset_Count(t *testing.T) {
	table := usersCollection()

	t.Run("estimate above threshold", func(t *testing.T) {
		store := &fakeStore{estimate: 50000}
		res, err := newDocQueryset(t, store).Count(context.Background())
		require.NoError(t, err)
		assert.Equal(t, CountResult{Count: 50000, Approximate: true}, res)
		assert.False(t, store.counted)
	})

	t.Run("estimate below threshold", func(t *testing.T) {
		store := &fakeStore{estimate: 20, exact: 21}
		res, err := newDocQueryset(t, store).Count(context.Background())
		require.NoError(t, err)
		assert.Equal(t, CountResult{Count: 21}, res)
		assert.Equal(t, bson.D{}, store.countFilter)
	})

	t.Run("filtered count is exact", func(t *testing.T) {
		store := &fakeStore{estimate: 50000, exact: 3}
		res, err := newDocQueryset(t, store).
			Filter(mustPredicate(t, table, "age", filters.GTE, "30")).
			Count(context.Background())
		require.NoError(t, err)
		assert.Equal(t, CountResult{Count: 3}, res)
		assert.True(t, store.counted)
	})

	t.Run("estimate error", func(t *testing.T) {
		store := &fakeStore{estimateErr: errors.New("not primary"), exact: 4}
		res, err := newDocQueryset(t, store).Count(context.Background())
		require.NoError(t, err)
		assert.Equal(t, CountResult{Count: 4}, res)
	})

	t.Run("invalid ordering is rejected", func(t *testing.T) {
		store := &fakeStore{estimate: 50000}
		_, err := newDocQueryset(t, store).OrderBy("nope").Count(context.Background())
		assert.True(t, errors.Is(err, apperrors.ErrValidation))
		assert.False(t, store.counted)
	})
}

func TestDocumentQueryset_AggregateAndGroup(t *testing.T) {
	store := &fakeStore{docs: []bson.M{{"_id": nil, "value": int32(42)}}}
	qs := newDocQueryset(t, store)

	v, err := qs.Aggregate(context.Background(), AggAvg, "age")
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)
	assert.Equal(t, bson.A{
		bson.D{{Key: "$match", Value: bson.D{}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "value", Value: bson.D{{Key: "$avg", Value: "$age"}}},
		}}},
	}, store.pipeline)

	store.docs = []bson.M{{"_id": bson.D{{Key: "joined__week", Value: bson.NewDateTimeFromTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))}}, "value": int32(2)}}
	groups, err := qs.Group(context.Background(), GroupSpec{
		XColumns: []string{"joined"},
		XLookups: []Bucket{BucketWeek},
		YFunc:    AggCount,
	})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), groups[0].Keys["joined__week"])
	assert.Equal(t, int32(2), groups[0].Value)

	group := store.pipeline[1].(bson.D)[0].Value.(bson.D)
	assert.Equal(t, bson.D{{Key: "joined__week", Value: bson.D{{Key: "$dateTrunc", Value: bson.D{
		{Key: "date", Value: "$joined"},
		{Key: "unit", Value: "week"},
		{Key: "startOfWeek", Value: "monday"},
	}}}}}, group[0].Value)

	_, err = qs.Group(context.Background(), GroupSpec{XColumns: []string{"name"}, XLookups: []Bucket{BucketYear}, YFunc: AggCount})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestDocumentQueryset_CoveredByAndErrors(t *testing.T) {
	table := &models.Table{
		Name:       "places",
		Backend:    models.BackendDocument,
		PrimaryKey: []string{"_id"},
		Columns: []*models.Column{
			{Name: "_id", Type: dbtypes.Binary, PrimaryKey: true, Params: models.ColumnParams{Subtype: "object_id"}},
			{Name: "loc", Type: dbtypes.Geometry},
		},
	}
	store := &fakeStore{}
	opts := DefaultOptions()
	qs, err := New(docSource{store: store}, table, opts)
	require.NoError(t, err)

	_, err = qs.Filter(mustPredicate(t, table, "loc", filters.CoveredBy, `{"type": "Point", "coordinates": [1, 2]}`)).All(context.Background())
	require.NoError(t, err)
	require.Len(t, store.findFilter, 1)

	_, err = qs.Filter(mustPredicate(t, table, "loc", filters.CoveredBy, "POINT(1 2)")).All(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	store.err = errors.New("connection reset")
	_, err = qs.All(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrQueryFailed))
}
