package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tenvoicebridge/realtime-bridge/internal/callsession"
)

// callsession.Store is the narrow interface internal/callsession depends
// on; Store implements it structurally so the session manager never
// imports this package's concrete type.
var _ callsession.Store = (*Store)(nil)

// Store is the PostgreSQL-backed conversation store. It holds a single
// [pgxpool.Pool] shared across tenants — the tenant column on conversations
// is the isolation boundary (messages rows belong to a conversation through
// its call_uuid), not a separate database or schema.
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and runs
// [Migrate] to ensure the conversations/messages tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// SaveConversation implements [callsession.Store]. It writes rec's
// conversations row and all of its messages rows in a single transaction,
// per §4.7.7: a call is either fully persisted or not persisted at all.
func (s *Store) SaveConversation(ctx context.Context, rec callsession.ConversationRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: save conversation: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	const insertConversation = `
		INSERT INTO conversations
		    (call_uuid, tenant, secretary, caller, start, "end", final_action, mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (call_uuid) DO UPDATE SET
		    "end" = EXCLUDED."end",
		    final_action = EXCLUDED.final_action`

	if _, err := tx.Exec(ctx, insertConversation,
		rec.CallUUID,
		rec.TenantID,
		rec.SecretaryID,
		rec.Caller,
		rec.Start,
		rec.End,
		rec.FinalAction,
		rec.Mode,
	); err != nil {
		return fmt.Errorf("store: save conversation: insert conversation: %w", err)
	}

	if len(rec.Messages) > 0 {
		batch := &pgx.Batch{}
		const insertMessage = `
			INSERT INTO messages (conversation, turn_number, role, content, timestamp)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (conversation, turn_number) DO NOTHING`
		for i, msg := range rec.Messages {
			batch.Queue(insertMessage, rec.CallUUID, i, msg.Role, msg.Text, msg.Timestamp.Nanoseconds())
		}

		br := tx.SendBatch(ctx, batch)
		for range rec.Messages {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("store: save conversation: insert message: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("store: save conversation: close batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: save conversation: commit: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
