package rest

import (
	"testing"
	"time"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
	"github.com/maruel/datarest/internal/jsonldb"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	e     *Engine
	store docstore.Store
	svc   *dataset.Service
	dir   string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := jsonldb.Open(dir + "/db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	svc := dataset.NewService(db)
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	if opts.AttachmentsDir == "" {
		opts.AttachmentsDir = dir + "/attachments"
	}
	return &testEnv{e: NewEngine(db, svc, opts), store: db, svc: svc, dir: dir}
}

// newDataset creates and initializes a dataset with fields id, name and n
// keyed on id. mod may adjust it before creation.
func (env *testEnv) newDataset(t *testing.T, mod func(ds *dataset.Dataset)) *dataset.Dataset {
	t.Helper()
	ds := &dataset.Dataset{
		ID:        "ds1",
		CreatedAt: testNow.Add(-time.Hour),
		Schema: []dataset.Field{
			{Key: "id", Type: "string"},
			{Key: "name", Type: "string"},
			{Key: "n", Type: "integer"},
		},
		PrimaryKey: []string{"id"},
	}
	if mod != nil {
		mod(ds)
	}
	ctx := t.Context()
	if err := env.svc.Create(ctx, ds); err != nil {
		t.Fatal(err)
	}
	if err := env.e.InitDataset(ctx, ds); err != nil {
		t.Fatal(err)
	}
	return ds
}

// apply runs one transaction batch and returns the statuses.
func (env *testEnv) apply(t *testing.T, ds *dataset.Dataset, owner *Owner, transacs ...docstore.Document) []Operation {
	t.Helper()
	res, err := env.e.ApplyTransactions(t.Context(), ds, &dataset.Actor{ID: "u1", Name: "User 1"}, transacs, dataset.CompileValidator(ds, false), owner, "")
	if err != nil {
		t.Fatal(err)
	}
	return res.Operations
}

func statuses(ops []Operation) []int {
	out := make([]int, len(ops))
	for i := range ops {
		out[i] = ops[i].Status
	}
	return out
}

func (env *testEnv) stored(t *testing.T, ds *dataset.Dataset, id string) docstore.Document {
	t.Helper()
	d, err := env.store.Collection(dataset.CollectionName(ds.ID)).FindOne(t.Context(), id)
	if err != nil {
		t.Fatalf("FindOne(%s): %v", id, err)
	}
	return d
}

func lineID(t *testing.T, ds *dataset.Dataset, key string) string {
	t.Helper()
	id, ok := DeriveID(docstore.Document{"id": key}, ds.PrimaryKey, ds.KeyMode())
	if !ok {
		t.Fatal("no primary key")
	}
	return id
}

func tx(action Action, id string, fields docstore.Document) docstore.Document {
	d := docstore.Document{fieldAction: string(action), docstore.IDField: id}
	for k, v := range fields {
		d[k] = v
	}
	return d
}
