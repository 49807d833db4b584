package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
)

// pollOverlap is how far behind the last seen sequence number a poll looks
// again, so commits that received a lower sequence but became visible late
// are still delivered.
const pollOverlap = 256

type PostgresOptions struct {
	MaxBatchOps  int
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// PostgresStore keeps every document as one row of the documents table.
// Deletes are soft so pollers observe them; subscriptions poll by sequence.
type PostgresStore struct {
	db           *sql.DB
	maxOps       int
	pollInterval time.Duration
	logger       zerolog.Logger
}

func NewPostgresStore(db *sql.DB, opts PostgresOptions) *PostgresStore {
	if opts.MaxBatchOps <= 0 {
		opts.MaxBatchOps = DefaultMaxBatchOps
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	return &PostgresStore{
		db:           db,
		maxOps:       opts.MaxBatchOps,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger.With().Str("component", "store").Logger(),
	}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) MaxBatchOps() int {
	return s.maxOps
}

func (s *PostgresStore) SetDocument(ctx context.Context, path string, data change.Document) error {
	return s.commit(ctx, []Write{{Path: path, Data: data}}, nil)
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, path string, patch change.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockDocument(ctx, tx, path)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("update %s: %w", path, ErrNotFound)
	}
	if err := upsertDocument(ctx, tx, path, change.Merge(current, patch)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update %s: %w", path, err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, path string) error {
	return s.commit(ctx, nil, []string{path})
}

func (s *PostgresStore) CommitBatch(ctx context.Context, writes []Write, deletes []string) error {
	return s.commit(ctx, writes, deletes)
}

func (s *PostgresStore) commit(ctx context.Context, writes []Write, deletes []string) error {
	if n := len(writes) + len(deletes); n > s.maxOps {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, n, s.maxOps)
	}
	for _, w := range writes {
		if err := validPath(w.Path); err != nil {
			return fmt.Errorf("%w: %q", err, w.Path)
		}
	}
	for _, path := range deletes {
		if err := validPath(path); err != nil {
			return fmt.Errorf("%w: %q", err, path)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, w := range writes {
		data := w.Data
		if w.Merge {
			current, err := lockDocument(ctx, tx, w.Path)
			if err != nil {
				return err
			}
			if current == nil {
				current = change.Document{}
			}
			data = change.Merge(current, w.Data)
		}
		if err := upsertDocument(ctx, tx, w.Path, data); err != nil {
			return err
		}
	}
	for _, path := range deletes {
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents
			SET deleted=TRUE, seq=nextval('document_seq'), updated_at=NOW()
			WHERE path=$1 AND NOT deleted
		`, path); err != nil {
			return fmt.Errorf("delete %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func lockDocument(ctx context.Context, tx *sql.Tx, path string) (change.Document, error) {
	var body []byte
	err := tx.QueryRowContext(ctx, `SELECT body FROM documents WHERE path=$1 AND NOT deleted FOR UPDATE`, path).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return decodeBody(body)
}

func upsertDocument(ctx context.Context, tx *sql.Tx, path string, data change.Document) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	_, err = tx.ExecContext(ctx, `
		WITH next AS (SELECT nextval('document_seq') AS seq)
		INSERT INTO documents (path, collection, body, seq, created_seq)
		SELECT $1, $2, $3::jsonb, next.seq, next.seq FROM next
		ON CONFLICT (path) DO UPDATE SET
			body=EXCLUDED.body,
			seq=EXCLUDED.seq,
			created_seq=CASE WHEN documents.deleted THEN EXCLUDED.seq ELSE documents.created_seq END,
			deleted=FALSE,
			updated_at=NOW()
	`, path, Collection(path), string(body))
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func decodeBody(body []byte) (change.Document, error) {
	doc := change.Document{}
	if len(body) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode document body: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, path string) (Snapshot, error) {
	var body []byte
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT body, seq FROM documents WHERE path=$1 AND NOT deleted`, path).Scan(&body, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{Path: path}, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return Snapshot{Path: path}, fmt.Errorf("get %s: %w", path, err)
	}
	data, err := decodeBody(body)
	if err != nil {
		return Snapshot{Path: path}, err
	}
	return Snapshot{Path: path, Data: data, Exists: true, Seq: seq}, nil
}

func (s *PostgresStore) QueryCollection(ctx context.Context, q Query) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, body, seq
		FROM documents
		WHERE collection=$1 AND NOT deleted AND ($2='' OR body->>$2 = $3)
		ORDER BY path
	`, q.Collection, q.Field, q.Value)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var body []byte
		if err := rows.Scan(&snap.Path, &body, &snap.Seq); err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.Collection, err)
		}
		if snap.Data, err = decodeBody(body); err != nil {
			return nil, err
		}
		snap.Exists = true
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) currentSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM documents`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read current seq: %w", err)
	}
	return seq, nil
}

type polledRow struct {
	path       string
	data       change.Document
	seq        int64
	createdSeq int64
	deleted    bool
}

func (s *PostgresStore) SubscribeDocument(ctx context.Context, path string) (<-chan Snapshot, error) {
	if err := validPath(path); err != nil {
		return nil, fmt.Errorf("%w: %q", err, path)
	}
	out := make(chan Snapshot)
	err := s.poll(ctx, func(ctx context.Context, since int64) ([]polledRow, error) {
		return s.pollRows(ctx, `WHERE path=$1 AND seq > $2`, path, since)
	}, func(rows []polledRow) bool {
		for _, row := range rows {
			snap := Snapshot{Path: row.path, Data: row.data, Exists: !row.deleted, Seq: row.seq}
			select {
			case out <- snap:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}, func() { close(out) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) SubscribeCollection(ctx context.Context, q Query) (<-chan []DocChange, error) {
	out := make(chan []DocChange)
	err := s.poll(ctx, func(ctx context.Context, since int64) ([]polledRow, error) {
		return s.pollRows(ctx, `WHERE collection=$1 AND ($2='' OR body->>$2 = $3) AND seq > $4`, q.Collection, q.Field, q.Value, since)
	}, func(rows []polledRow) bool {
		if len(rows) == 0 {
			return true
		}
		batch := make([]DocChange, 0, len(rows))
		for _, row := range rows {
			kind := Modified
			switch {
			case row.deleted:
				kind = Removed
			case row.createdSeq == row.seq:
				kind = Added
			}
			batch = append(batch, DocChange{Type: kind, Doc: Snapshot{Path: row.path, Data: row.data, Exists: !row.deleted, Seq: row.seq}})
		}
		select {
		case out <- batch:
			return true
		case <-ctx.Done():
			return false
		}
	}, func() { close(out) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) pollRows(ctx context.Context, where string, args ...any) ([]polledRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, body, seq, created_seq, deleted FROM documents `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("poll documents: %w", err)
	}
	defer rows.Close()

	var out []polledRow
	for rows.Next() {
		var row polledRow
		var body []byte
		if err := rows.Scan(&row.path, &body, &row.seq, &row.createdSeq, &row.deleted); err != nil {
			return nil, fmt.Errorf("scan polled document: %w", err)
		}
		if row.data, err = decodeBody(body); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// poll runs fetch every poll interval from the sequence current at call time
// and hands rows not yet delivered to deliver, until ctx is done or deliver
// returns false.
func (s *PostgresStore) poll(
	ctx context.Context,
	fetch func(ctx context.Context, since int64) ([]polledRow, error),
	deliver func(rows []polledRow) bool,
	done func(),
) error {
	last, err := s.currentSeq(ctx)
	if err != nil {
		return err
	}
	existing, err := fetch(ctx, max(last-pollOverlap, 0))
	if err != nil {
		return err
	}
	seen := make(map[int64]struct{}, len(existing))
	for _, row := range existing {
		if row.seq <= last {
			seen[row.seq] = struct{}{}
		}
	}
	go func() {
		defer done()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			floor := max(last-pollOverlap, 0)
			rows, err := fetch(ctx, floor)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn().Err(err).Msg("poll failed")
				}
				continue
			}
			fresh := rows[:0]
			for _, row := range rows {
				if _, ok := seen[row.seq]; ok || row.seq <= floor {
					continue
				}
				seen[row.seq] = struct{}{}
				fresh = append(fresh, row)
				last = max(last, row.seq)
			}
			for seq := range seen {
				if seq <= max(last-pollOverlap, 0) {
					delete(seen, seq)
				}
			}
			if !deliver(fresh) {
				return
			}
		}
	}()
	return nil
}
