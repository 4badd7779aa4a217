package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// PostgresStore keeps every collection in the documents table created by
// the db package migrations.
type PostgresStore struct {
	db *sqlx.DB

	feed       *feed
	notifier   Notifier
	stopListen func()
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database. The caller keeps ownership of
// db; Close only stops subscriptions.
func NewPostgresStore(db *sqlx.DB, notifier Notifier) *PostgresStore {
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	s := &PostgresStore{db: db, notifier: notifier}
	s.feed = newFeed(s.Query)
	s.stopListen = notifier.Listen(s.feed.changed)
	return s
}

func (s *PostgresStore) Insert(ctx context.Context, collection, id string, doc Document) error {
	if id == "" {
		return fmt.Errorf("%w: empty document id", ErrInvalidQuery)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO documents (collection, id, doc) VALUES ($1, $2, $3::jsonb)`, collection, id, string(raw))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}
	return s.notifier.Notify(ctx, collection, id)
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `SELECT doc FROM documents WHERE collection=$1 AND id=$2`, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func (s *PostgresStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	validated, err := validateQuery(q)
	if err != nil {
		return nil, err
	}
	query, args, err := compileQuery(collection, validated)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var result []Document
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		result = append(result, doc)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, fields Document) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET doc = doc || $3::jsonb, updated_at = NOW() WHERE collection=$1 AND id=$2`, collection, id, string(raw))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return s.notifier.Notify(ctx, collection, id)
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection=$1 AND id=$2`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return s.notifier.Notify(ctx, collection, id)
}

func (s *PostgresStore) Subscribe(ctx context.Context, collection string, q Query, fn SnapshotFunc) (*Subscription, error) {
	if _, err := validateQuery(q); err != nil {
		return nil, err
	}
	return s.feed.subscribe(ctx, collection, q, fn)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	s.stopListen()
	s.feed.close()
	return nil
}

// compileQuery turns a validated Query into SQL over the documents table.
// Field paths travel as text[] parameters and values as jsonb parameters,
// so no user input is spliced into the statement.
func compileQuery(collection string, q Query) (string, []any, error) {
	var sb strings.Builder
	args := []any{collection}
	param := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	jsonParam := func(v any) (string, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		return param(string(raw)) + "::jsonb", nil
	}

	sb.WriteString(`SELECT id, doc FROM documents WHERE collection = $1`)
	for _, f := range q.Filters {
		path := param(pq.Array(strings.Split(f.Field, "."))) + "::text[]"
		switch f.Op {
		case OpEqual:
			value, err := jsonParam(f.Value)
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&sb, ` AND doc #> %s = %s`, path, value)
		case OpNotEqual:
			value, err := jsonParam(f.Value)
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&sb, ` AND doc #> %s <> %s`, path, value)
		case OpArrayContains:
			value, err := jsonParam([]any{f.Value})
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&sb, ` AND jsonb_typeof(doc #> %s) = 'array' AND doc #> %s @> %s`, path, path, value)
		case OpIn:
			value, err := jsonParam(f.Value)
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&sb, ` AND doc #> %s IS NOT NULL AND %s @> jsonb_build_array(doc #> %s)`, path, value, path)
		default:
			return "", nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, f.Op)
		}
	}

	if q.OrderBy != nil {
		path := param(pq.Array(strings.Split(q.OrderBy.Field, "."))) + "::text[]"
		direction := "ASC"
		if q.OrderBy.Desc {
			direction = "DESC"
		}
		fmt.Fprintf(&sb, ` AND doc #> %s IS NOT NULL ORDER BY doc #>> %s COLLATE "C" %s, id ASC`, path, path, direction)
	} else {
		sb.WriteString(` ORDER BY id ASC`)
	}
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ` + param(q.Limit))
	}
	return sb.String(), args, nil
}
