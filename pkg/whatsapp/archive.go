package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

// archive keeps every message the bridge has seen, including history sync
// payloads, so that catch-up and lazy media downloads work after restarts.
// whatsmeow itself does not keep message contents.
type archive struct {
	db *dbutil.Database
}

type chatRow struct {
	ChatID        string
	Name          string
	Topic         string
	IsGroup       bool
	LastMessageTS int64
}

type messageRow struct {
	ID          string
	ChatID      string
	TimestampMS int64
	FromMe      bool
	Sender      string
	PushName    string
	// Raw is the protobuf-encoded waE2E.Message, already unwrapped from
	// ephemeral and view-once containers.
	Raw []byte
}

func (row *messageRow) decode() (*waE2E.Message, error) {
	var msg waE2E.Message
	if err := proto.Unmarshal(row.Raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode archived message %s: %w", row.ID, err)
	}
	return &msg, nil
}

func encodeMessage(msg *waE2E.Message) ([]byte, error) {
	if msg == nil {
		return nil, nil
	}
	return proto.Marshal(msg)
}

func openArchive(ctx context.Context, path string) (*archive, error) {
	db, err := dbutil.NewWithDialect("file:"+path+"?_journal_mode=WAL&_busy_timeout=5000", "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open message archive: %w", err)
	}
	a := &archive{db: db}
	if err = a.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *archive) Close() error {
	return a.db.Close()
}

func (a *archive) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS w2d_chat (
			chat_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL DEFAULT '',
			is_group BOOLEAN NOT NULL DEFAULT FALSE,
			last_message_ts BIGINT NOT NULL DEFAULT 0,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS w2d_message (
			msg_id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			timestamp_ms BIGINT NOT NULL,
			from_me BOOLEAN NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			push_name TEXT NOT NULL DEFAULT '',
			raw BLOB,
			created_ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS w2d_message_chat_ts_idx
			ON w2d_message (chat_id, timestamp_ms, msg_id)`,
	}
	for _, query := range queries {
		if _, err := a.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure archive schema: %w", err)
		}
	}
	return nil
}

// upsertChat stores chat metadata. Empty name or topic values never
// overwrite known ones, and last_message_ts only moves forward.
func (a *archive) upsertChat(ctx context.Context, chat chatRow) error {
	_, err := a.db.Exec(ctx, `
		INSERT INTO w2d_chat (chat_id, name, topic, is_group, last_message_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chat_id) DO UPDATE SET
			name=CASE WHEN excluded.name <> '' THEN excluded.name ELSE w2d_chat.name END,
			topic=CASE WHEN excluded.topic <> '' THEN excluded.topic ELSE w2d_chat.topic END,
			is_group=excluded.is_group,
			last_message_ts=MAX(w2d_chat.last_message_ts, excluded.last_message_ts),
			updated_ts=excluded.updated_ts
	`, chat.ChatID, chat.Name, chat.Topic, chat.IsGroup, chat.LastMessageTS, time.Now().UnixMilli())
	return err
}

// upsertMessageBatch inserts multiple messages in a single transaction.
func (a *archive) upsertMessageBatch(ctx context.Context, rows []messageRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := a.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO w2d_message (msg_id, chat_id, timestamp_ms, from_me, sender, push_name, raw, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (msg_id) DO UPDATE SET
			raw=COALESCE(excluded.raw, w2d_message.raw),
			push_name=CASE WHEN excluded.push_name <> '' THEN excluded.push_name ELSE w2d_message.push_name END
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch statement: %w", err)
	}
	defer stmt.Close()

	nowMS := time.Now().UnixMilli()
	for _, row := range rows {
		_, err = stmt.ExecContext(ctx, row.ID, row.ChatID, row.TimestampMS, row.FromMe, row.Sender, row.PushName, row.Raw, nowMS)
		if err != nil {
			return fmt.Errorf("failed to insert message %s: %w", row.ID, err)
		}
	}
	return tx.Commit()
}

const messageSelectCols = `msg_id, chat_id, timestamp_ms, from_me, sender, push_name, raw`

func scanMessage(row dbutil.Scannable) (*messageRow, error) {
	var msg messageRow
	err := row.Scan(&msg.ID, &msg.ChatID, &msg.TimestampMS, &msg.FromMe, &msg.Sender, &msg.PushName, &msg.Raw)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (a *archive) getMessage(ctx context.Context, msgID string) (*messageRow, error) {
	row, err := scanMessage(a.db.QueryRow(ctx, `SELECT `+messageSelectCols+` FROM w2d_message WHERE msg_id=$1`, msgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return row, err
}

// listForwardMessages returns messages strictly newer than afterMS, oldest
// first.
func (a *archive) listForwardMessages(ctx context.Context, chatID string, afterMS int64) ([]*messageRow, error) {
	rows, err := a.db.Query(ctx, `
		SELECT `+messageSelectCols+`
		FROM w2d_message
		WHERE chat_id=$1 AND timestamp_ms > $2
		ORDER BY timestamp_ms ASC, msg_id ASC
	`, chatID, afterMS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*messageRow
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (a *archive) lastMessageTS(ctx context.Context, chatID string) (int64, bool, error) {
	var ts sql.NullInt64
	err := a.db.QueryRow(ctx, `SELECT MAX(timestamp_ms) FROM w2d_message WHERE chat_id=$1`, chatID).Scan(&ts)
	if err != nil {
		return 0, false, err
	}
	return ts.Int64, ts.Valid, nil
}

const chatSelectCols = `chat_id, name, topic, is_group, last_message_ts`

func scanChat(row dbutil.Scannable) (*chatRow, error) {
	var chat chatRow
	if err := row.Scan(&chat.ChatID, &chat.Name, &chat.Topic, &chat.IsGroup, &chat.LastMessageTS); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (a *archive) getChat(ctx context.Context, chatID string) (*chatRow, error) {
	chat, err := scanChat(a.db.QueryRow(ctx, `SELECT `+chatSelectCols+` FROM w2d_chat WHERE chat_id=$1`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return chat, err
}

func (a *archive) listChats(ctx context.Context) ([]*chatRow, error) {
	rows, err := a.db.Query(ctx, `SELECT `+chatSelectCols+` FROM w2d_chat ORDER BY last_message_ts DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*chatRow
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, chat)
	}
	return out, rows.Err()
}
