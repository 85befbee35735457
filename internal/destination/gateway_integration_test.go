package destination_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuralis/apps/migrator/internal/destination"
	"docuralis/apps/migrator/internal/testutils"
)

func TestGateway_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	ctx := context.Background()
	s.SeedDocument("doc-1", "a.pdf", "col-1")
	s.SeedDocument("doc-2", "a.pdf", "col-2")

	gw, err := destination.NewDialer(s.DB).Connect(ctx)
	require.NoError(t, err)
	defer gw.Close()

	parents, err := gw.LookupParents(ctx, []string{"a.pdf", "missing.pdf"}, "col-1")
	require.NoError(t, err)
	require.Len(t, parents, 1)
	assert.Equal(t, "doc-1", parents["a.pdf"].ID)
	assert.Equal(t, "col-1", parents["a.pdf"].CollectionID)

	page := 4
	rows := []destination.ChildRow{
		{ID: "chunk_a", DocumentID: "doc-1", ChunkIndex: 0, Content: "hello world", StartPage: &page, EndPage: &page, VectorID: "v1", TokenCount: 3},
		{ID: "chunk_b", DocumentID: "doc-1", ChunkIndex: 1, Content: "second", VectorID: "v2", TokenCount: 1},
	}

	inserted, err := gw.InsertChunks(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)
	assert.Equal(t, 2, s.CountChunks())

	// Same (documentId, chunkIndex) under fresh ids: skipped, not an error.
	rows[0].ID, rows[1].ID = "chunk_c", "chunk_d"
	inserted, err = gw.InsertChunks(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted)
	assert.Equal(t, 2, s.CountChunks())

	withVector, err := gw.CountChunksWithVector(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, withVector)

	docs, err := gw.CountDocuments(ctx, "col-1")
	require.NoError(t, err)
	assert.Equal(t, 1, docs)

	// A foreign key violation rolls the whole statement back.
	_, err = gw.InsertChunks(ctx, []destination.ChildRow{
		{ID: "chunk_e", DocumentID: "doc-1", ChunkIndex: 5, Content: "ok"},
		{ID: "chunk_f", DocumentID: "no-such-doc", ChunkIndex: 0, Content: "orphan"},
	})
	assert.Error(t, err)
	assert.Equal(t, 2, s.CountChunks())
}
