// Package pgstore keeps profile documents as JSONB rows in Postgres. Every write is
// a read-modify-write under a row lock, and WithinTx spans several documents.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/agouch/outdora/backend/logger"
	"github.com/agouch/outdora/backend/matching"
	"github.com/agouch/outdora/backend/store"
)

// NotifyChannel is the LISTEN channel fed by the profiles trigger.
const NotifyChannel = "profile_changes"

type Options struct {
	// DSN is needed for Subscribe, which holds its own LISTEN connection.
	DSN    string
	Logger *logger.Logger
}

type Store struct {
	db   *sql.DB
	opts Options

	subs         *store.Fanout
	listenerOnce sync.Once
	listener     *pq.Listener
	listenerErr  error
}

var (
	_ matching.ProfileStore = (*Store)(nil)
	_ matching.Transactor   = (*Store)(nil)
	_ store.BatchReader     = (*Store)(nil)
	_ matching.Locker       = (*txStore)(nil)
)

// Open connects and pings the database.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func New(db *sql.DB, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Store{db: db, opts: opts, subs: store.NewFanout()}
}

// Close stops the LISTEN connection. The *sql.DB belongs to the caller.
func (s *Store) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) ReadProfile(ctx context.Context, id matching.UserID) (*matching.UserProfile, error) {
	return readProfile(ctx, s.db, id, false)
}

// Put inserts or replaces a whole profile document.
func (s *Store) Put(ctx context.Context, p *matching.UserProfile) error {
	if p == nil || p.ID == "" {
		return matching.New(matching.CodeInvalidState, "profile id is required")
	}
	data, err := store.Encode(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
	`, string(p.ID), data)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) WriteProfileFields(ctx context.Context, id matching.UserID, fields matching.Fields) error {
	return s.WithinTx(ctx, func(ctx context.Context, tx matching.ProfileStore) error {
		return tx.WriteProfileFields(ctx, id, fields)
	})
}

func (s *Store) AppendToList(ctx context.Context, id matching.UserID, list matching.ListName, value matching.ListValue) error {
	return s.WithinTx(ctx, func(ctx context.Context, tx matching.ProfileStore) error {
		return tx.AppendToList(ctx, id, list, value)
	})
}

func (s *Store) RemoveFromList(ctx context.Context, id matching.UserID, list matching.ListName, key string) error {
	return s.WithinTx(ctx, func(ctx context.Context, tx matching.ProfileStore) error {
		return tx.RemoveFromList(ctx, id, list, key)
	})
}

func (s *Store) ListAllProfiles(ctx context.Context) ([]matching.UserProfile, error) {
	return listAll(ctx, s.db)
}

// ReadProfiles loads the documents among ids in one query.
func (s *Store) ReadProfiles(ctx context.Context, ids []matching.UserID) (map[matching.UserID]*matching.UserProfile, error) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, string(id))
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, doc FROM profiles WHERE id = ANY($1)`, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("batch read profiles: %w", err)
	}
	defer rows.Close()

	out := make(map[matching.UserID]*matching.UserProfile, len(ids))
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// txAttempts bounds how often WithinTx reruns a transaction that Postgres aborted
// as a deadlock victim or a serialization failure.
const txAttempts = 3

// WithinTx runs fn in a READ COMMITTED transaction whose reads lock the rows they
// touch, so concurrent swipes on the same pair serialize. A transaction aborted by
// a lock conflict is rolled back and run again; once the attempts are used up the
// error is CodeUnavailable, which callers may retry.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx matching.ProfileStore) error) error {
	if tx, ok := ctx.Value(txKey{}).(*txStore); ok {
		// Already inside a transaction; join it.
		return fn(ctx, tx)
	}

	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isLockConflict(err) {
			return err
		}
		s.opts.Logger.WarnErr(s.opts.Logger.WithField(ctx, "attempt", attempt), "transaction aborted by lock conflict", err)
		if ctx.Err() != nil {
			break
		}
	}
	return matching.Wrap(matching.CodeUnavailable, err, "transaction aborted by lock conflict")
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx matching.ProfileStore) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	tx := &txStore{parent: s, tx: sqlTx}
	if err := fn(context.WithValue(ctx, txKey{}, tx), tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Lock conflicts abort the whole transaction; rerunning it is safe.
const (
	codeDeadlockDetected     pq.ErrorCode = "40P01"
	codeSerializationFailure pq.ErrorCode = "40001"
)

func isLockConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == codeDeadlockDetected || pqErr.Code == codeSerializationFailure
}

// Subscribe pushes the document after each committed change, driven by LISTEN/NOTIFY.
func (s *Store) Subscribe(ctx context.Context, id matching.UserID, onChange func(matching.UserProfile)) (func(), error) {
	if _, err := s.ReadProfile(ctx, id); err != nil {
		return nil, err
	}
	if err := s.startListener(); err != nil {
		return nil, err
	}
	return s.subs.Subscribe(ctx, id, onChange), nil
}

func (s *Store) startListener() error {
	s.listenerOnce.Do(func() {
		if s.opts.DSN == "" {
			s.listenerErr = errors.New("pgstore: subscriptions need a DSN")
			return
		}
		s.listener = pq.NewListener(s.opts.DSN, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.opts.Logger.WarnErr(context.Background(), "profile listener event", err)
			}
		})
		if err := s.listener.Listen(NotifyChannel); err != nil {
			s.listenerErr = fmt.Errorf("listen %s: %w", NotifyChannel, err)
			return
		}
		go s.relay()
	})
	return s.listenerErr
}

func (s *Store) relay() {
	ctx := context.Background()
	for n := range s.listener.Notify {
		if n == nil {
			// Reconnected; changes made while disconnected are not replayed.
			continue
		}
		id := matching.UserID(n.Extra)
		if !s.subs.Watching(id) {
			continue
		}
		p, err := s.ReadProfile(ctx, id)
		if err != nil {
			s.opts.Logger.WarnErr(s.opts.Logger.WithUserID(ctx, n.Extra), "reload changed profile", err)
			continue
		}
		s.subs.Broadcast(*p)
	}
}

type txKey struct{}

// txStore is the ProfileStore view handed to WithinTx callbacks.
type txStore struct {
	parent *Store
	tx     *sql.Tx
}

// LockProfiles locks the existing rows among ids in ascending id order.
func (t *txStore) LockProfiles(ctx context.Context, ids ...matching.UserID) error {
	rows, err := t.tx.QueryContext(ctx, lockQuery, pq.Array(lockKeys(ids)))
	if err != nil {
		return fmt.Errorf("lock profiles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("lock profiles: %w", err)
		}
	}
	return rows.Err()
}

const lockQuery = `SELECT id FROM profiles WHERE id = ANY($1) ORDER BY id FOR UPDATE`

func lockKeys(ids []matching.UserID) []string {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			keys = append(keys, string(id))
		}
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

func (t *txStore) ReadProfile(ctx context.Context, id matching.UserID) (*matching.UserProfile, error) {
	return readProfile(ctx, t.tx, id, true)
}

func (t *txStore) WriteProfileFields(ctx context.Context, id matching.UserID, fields matching.Fields) error {
	p, err := readProfile(ctx, t.tx, id, true)
	if err != nil {
		return err
	}
	merged, err := store.MergeFields(p, fields)
	if err != nil {
		return err
	}
	return saveProfile(ctx, t.tx, merged)
}

func (t *txStore) AppendToList(ctx context.Context, id matching.UserID, list matching.ListName, value matching.ListValue) error {
	p, err := readProfile(ctx, t.tx, id, true)
	if err != nil {
		return err
	}
	changed, err := store.AppendToList(p, list, value)
	if err != nil || !changed {
		return err
	}
	return saveProfile(ctx, t.tx, p)
}

func (t *txStore) RemoveFromList(ctx context.Context, id matching.UserID, list matching.ListName, key string) error {
	p, err := readProfile(ctx, t.tx, id, true)
	if err != nil {
		return err
	}
	changed, err := store.RemoveFromList(p, list, key)
	if err != nil || !changed {
		return err
	}
	return saveProfile(ctx, t.tx, p)
}

func (t *txStore) ListAllProfiles(ctx context.Context) ([]matching.UserProfile, error) {
	return listAll(ctx, t.tx)
}

func (t *txStore) Subscribe(ctx context.Context, id matching.UserID, onChange func(matching.UserProfile)) (func(), error) {
	return t.parent.Subscribe(ctx, id, onChange)
}

func readProfile(ctx context.Context, q querier, id matching.UserID, forUpdate bool) (*matching.UserProfile, error) {
	query := `SELECT id, doc FROM profiles WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanProfile(q.QueryRowContext(ctx, query, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, matching.ErrProfileNotFound
	}
	return p, err
}

func saveProfile(ctx context.Context, q querier, p *matching.UserProfile) error {
	data, err := store.Encode(p)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE profiles SET doc = $2, updated_at = now() WHERE id = $1`, string(p.ID), data)
	if err != nil {
		return fmt.Errorf("update profile %s: %w", p.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return matching.ErrProfileNotFound
	}
	return nil
}

func listAll(ctx context.Context, q querier) ([]matching.UserProfile, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, doc FROM profiles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []matching.UserProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*matching.UserProfile, error) {
	var (
		id  string
		doc []byte
	)
	if err := row.Scan(&id, &doc); err != nil {
		return nil, err
	}
	return store.Decode(matching.UserID(id), doc)
}
