package destination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var ErrNoRows = errors.New("no rows to insert")

// ParentRef is a Document row a chunk can attach to.
type ParentRef struct {
	ID           string
	OriginalName string
	CollectionID string
}

// ChildRow is one DocumentChunk row. createdAt is set by the database.
type ChildRow struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Content    string
	StartPage  *int
	EndPage    *int
	VectorID   string
	TokenCount int
}

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Conn is a Querier that can open transactions.
type Conn interface {
	Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Gateway runs the migration queries on one connection. It is owned by a
// single worker and is not safe for concurrent use.
type Gateway struct {
	conn  Conn
	close func() error
}

func NewGateway(conn Conn) *Gateway {
	return &Gateway{conn: conn}
}

const lookupParentsQuery = `SELECT id, "originalName", "collectionId" FROM "Document" WHERE "originalName" = ANY($1) AND "collectionId" = $2`

// LookupParents resolves filenames to documents of one collection in a
// single query. Filenames without a document are absent from the map.
func (g *Gateway) LookupParents(ctx context.Context, filenames []string, collectionID string) (map[string]ParentRef, error) {
	parents := make(map[string]ParentRef, len(filenames))
	if len(filenames) == 0 {
		return parents, nil
	}

	rows, err := g.conn.QueryContext(ctx, lookupParentsQuery, pq.Array(filenames), collectionID)
	if err != nil {
		return nil, fmt.Errorf("lookup documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p ParentRef
		if err := rows.Scan(&p.ID, &p.OriginalName, &p.CollectionID); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		parents[p.OriginalName] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return parents, nil
}

const insertChunksQuery = `INSERT INTO "DocumentChunk" (id, "documentId", "chunkIndex", content, "startPage", "endPage", "vectorId", "tokenCount", "createdAt")
SELECT id, document_id, chunk_index, content, start_page, end_page, vector_id, token_count, NOW()
FROM unnest($1::text[], $2::text[], $3::int[], $4::text[], $5::int[], $6::int[], $7::text[], $8::int[])
AS t(id, document_id, chunk_index, content, start_page, end_page, vector_id, token_count)
ON CONFLICT ("documentId", "chunkIndex") DO NOTHING`

// InsertChunks writes rows in one statement inside one transaction. Rows
// that collide on ("documentId", "chunkIndex") are skipped. The returned
// count is the number of rows physically inserted.
func (g *Gateway) InsertChunks(ctx context.Context, rows []ChildRow) (int64, error) {
	if len(rows) == 0 {
		return 0, ErrNoRows
	}

	ids := make([]string, len(rows))
	docIDs := make([]string, len(rows))
	indexes := make([]int64, len(rows))
	contents := make([]string, len(rows))
	startPages := make([]sql.NullInt64, len(rows))
	endPages := make([]sql.NullInt64, len(rows))
	vectorIDs := make([]sql.NullString, len(rows))
	tokens := make([]int64, len(rows))

	for i, r := range rows {
		ids[i] = r.ID
		docIDs[i] = r.DocumentID
		indexes[i] = int64(r.ChunkIndex)
		contents[i] = r.Content
		startPages[i] = nullInt(r.StartPage)
		endPages[i] = nullInt(r.EndPage)
		vectorIDs[i] = sql.NullString{String: r.VectorID, Valid: r.VectorID != ""}
		tokens[i] = int64(r.TokenCount)
	}

	tx, err := g.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, insertChunksQuery,
		pq.Array(ids),
		pq.Array(docIDs),
		pq.Array(indexes),
		pq.Array(contents),
		pq.Array(startPages),
		pq.Array(endPages),
		pq.Array(vectorIDs),
		pq.Array(tokens),
	)
	if err != nil {
		return 0, fmt.Errorf("insert chunks: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// CountDocuments counts the documents of one collection.
func (g *Gateway) CountDocuments(ctx context.Context, collectionID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM "Document" WHERE "collectionId" = $1`
	err := g.conn.QueryRowContext(ctx, query, collectionID).Scan(&count)
	return count, err
}

func (g *Gateway) CountChunks(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM "DocumentChunk"`
	err := g.conn.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

func (g *Gateway) CountChunksWithVector(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM "DocumentChunk" WHERE "vectorId" IS NOT NULL`
	err := g.conn.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

// Close releases the underlying connection when the gateway owns one.
func (g *Gateway) Close() error {
	if g.close == nil {
		return nil
	}
	return g.close()
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// Dialer hands out gateways pinned to their own pooled connection.
type Dialer struct {
	db *sql.DB
}

func NewDialer(db *sql.DB) *Dialer {
	return &Dialer{db: db}
}

// Connect reserves one connection from the pool for the caller's lifetime.
func (d *Dialer) Connect(ctx context.Context) (*Gateway, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping connection: %w", err)
	}
	return &Gateway{conn: conn, close: conn.Close}, nil
}

// Ping checks the database with retries, the way bootstrap does.
func Ping(ctx context.Context, db *sql.DB, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	if err == nil {
		err = db.PingContext(ctx)
	}
	return err
}
