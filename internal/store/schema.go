// Package store provides the PostgreSQL-backed implementation of
// callsession.Store, persisting a finished call's transcript as the two
// flat tables described in §6 ("Persisted state"): one conversations row
// per call plus its ordered messages, written in a single transaction per
// the §4.7.7 persistence requirement.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    call_uuid    TEXT         PRIMARY KEY,
    tenant       TEXT         NOT NULL,
    secretary    TEXT         NOT NULL,
    caller       TEXT         NOT NULL DEFAULT '',
    start        TIMESTAMPTZ  NOT NULL,
    "end"        TIMESTAMPTZ  NOT NULL,
    final_action TEXT         NOT NULL,
    mode         TEXT         NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_tenant
    ON conversations (tenant);

CREATE INDEX IF NOT EXISTS idx_conversations_start
    ON conversations (start);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    conversation TEXT         NOT NULL REFERENCES conversations (call_uuid) ON DELETE CASCADE,
    turn_number  INT          NOT NULL,
    role         TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    timestamp    BIGINT       NOT NULL,
    PRIMARY KEY (conversation, turn_number)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
    ON messages (conversation);
`

// Migrate creates the conversations/messages tables if they do not already
// exist. Idempotent; safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlConversations, ddlMessages} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
