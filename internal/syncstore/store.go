// Package syncstore persists chats and characters uploaded by clients of the
// sync service.
package syncstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"erpy/internal/chat"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrCharacterNotFound means a chat references a character the client never
// uploaded.
var ErrCharacterNotFound = errors.New("syncstore: character not found")

const schema = `
CREATE TABLE IF NOT EXISTS client (
    client_id TEXT PRIMARY KEY,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS character (
    uuid TEXT PRIMARY KEY,
    remote_id INTEGER NOT NULL,
    url TEXT,
    payload TEXT NOT NULL,
    client_id TEXT NOT NULL REFERENCES client(client_id)
);

CREATE TABLE IF NOT EXISTS chat (
    uuid TEXT PRIMARY KEY,
    remote_id INTEGER NOT NULL,
    title TEXT,
    character_id TEXT NOT NULL REFERENCES character(uuid),
    archived BOOLEAN NOT NULL DEFAULT FALSE,
    payload TEXT NOT NULL,
    client_id TEXT NOT NULL REFERENCES client(client_id),
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_character_remote ON character(client_id, remote_id);
CREATE INDEX IF NOT EXISTS idx_chat_updated_at ON chat(updated_at DESC);
`

// Store is a SQLite-backed sync store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates or opens the database at path.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; keeps upserts inside SyncAll serialized
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logger = logger.Named("syncstore")
	logger.Info("sync store opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PersistCharacter creates or updates c for clientID and returns its UUID.
func (s *Store) PersistCharacter(ctx context.Context, c chat.Character, clientID string) (uuid.UUID, error) {
	return persistCharacter(ctx, s.db, c, clientID)
}

// PersistChat creates or updates c for clientID and returns its UUID. The
// chat's character must already be stored for the same client.
func (s *Store) PersistChat(ctx context.Context, c chat.Chat, clientID string) (uuid.UUID, error) {
	return persistChat(ctx, s.db, c, clientID)
}

func (s *Store) FetchCharacters(ctx context.Context) ([]chat.Character, error) {
	return fetchCharacters(ctx, s.db)
}

func (s *Store) FetchChats(ctx context.Context) ([]chat.Chat, error) {
	return fetchChats(ctx, s.db, "")
}

// FetchChat returns the chat with id, or (nil, nil) when there is none.
func (s *Store) FetchChat(ctx context.Context, id uuid.UUID) (*chat.Chat, error) {
	chats, err := fetchChats(ctx, s.db, id.String())
	if err != nil || len(chats) == 0 {
		return nil, err
	}
	return &chats[0], nil
}

// Snapshot is everything the store holds.
type Snapshot struct {
	Characters []chat.Character `json:"characters"`
	Chats      []chat.Chat      `json:"chats"`
}

// SyncAll upserts every character, then every chat, and returns the full
// store contents. It is all-or-nothing.
func (s *Store) SyncAll(ctx context.Context, in Snapshot, clientID string) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sync: %w", err)
	}
	defer tx.Rollback()

	for _, c := range in.Characters {
		if _, err := persistCharacter(ctx, tx, c, clientID); err != nil {
			return nil, err
		}
	}
	for _, c := range in.Chats {
		if _, err := persistChat(ctx, tx, c, clientID); err != nil {
			return nil, err
		}
	}

	out := &Snapshot{}
	if out.Characters, err = fetchCharacters(ctx, tx); err != nil {
		return nil, err
	}
	if out.Chats, err = fetchChats(ctx, tx, ""); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sync: %w", err)
	}
	s.logger.Info("sync complete",
		zap.String("client_id", clientID),
		zap.Int("characters_in", len(in.Characters)),
		zap.Int("chats_in", len(in.Chats)),
	)
	return out, nil
}

func createClient(ctx context.Context, q querier, clientID string) error {
	if clientID == "" {
		return errors.New("syncstore: client id is required")
	}
	_, err := q.ExecContext(ctx, `INSERT INTO client (client_id) VALUES (?) ON CONFLICT DO NOTHING`, clientID)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

func persistCharacter(ctx context.Context, q querier, c chat.Character, clientID string) (uuid.UUID, error) {
	if err := createClient(ctx, q, clientID); err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	if c.UUID != nil {
		id = *c.UUID
	}
	payload := string(c.Payload)
	if payload == "" {
		payload = "null"
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO character (uuid, remote_id, url, payload, client_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (uuid) DO UPDATE SET
			url = excluded.url,
			payload = excluded.payload`,
		id.String(), c.ID, c.URL, payload, clientID,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("persist character: %w", err)
	}
	return id, nil
}

func findCharacterID(ctx context.Context, q querier, remoteID int, clientID string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT uuid FROM character WHERE remote_id = ? AND client_id = ? ORDER BY rowid DESC LIMIT 1`,
		remoteID, clientID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: remote id %d for client %q", ErrCharacterNotFound, remoteID, clientID)
	}
	if err != nil {
		return "", fmt.Errorf("find character: %w", err)
	}
	return id, nil
}

func persistChat(ctx context.Context, q querier, c chat.Chat, clientID string) (uuid.UUID, error) {
	if err := createClient(ctx, q, clientID); err != nil {
		return uuid.Nil, err
	}

	characterID, err := findCharacterID(ctx, q, c.CharacterID, clientID)
	if err != nil {
		return uuid.Nil, err
	}

	payload, err := json.Marshal(c.Data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode chat payload: %w", err)
	}

	id := uuid.New()
	if c.UUID != nil {
		id = *c.UUID
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO chat (uuid, remote_id, title, character_id, archived, payload, client_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uuid) DO UPDATE SET
			title = excluded.title,
			character_id = excluded.character_id,
			archived = excluded.archived,
			payload = excluded.payload,
			updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`,
		id.String(), c.ID, c.Title, characterID, c.Archived, string(payload), clientID,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("persist chat: %w", err)
	}
	return id, nil
}

func fetchCharacters(ctx context.Context, q querier) ([]chat.Character, error) {
	rows, err := q.QueryContext(ctx, `SELECT uuid, remote_id, url, payload FROM character ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("fetch characters: %w", err)
	}
	defer rows.Close()

	out := []chat.Character{}
	for rows.Next() {
		var (
			c       chat.Character
			rawID   string
			payload string
		)
		if err := rows.Scan(&rawID, &c.ID, &c.URL, &payload); err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("character uuid: %w", err)
		}
		c.UUID = &id
		c.Payload = json.RawMessage(payload)
		out = append(out, c)
	}
	return out, rows.Err()
}

// fetchChats returns every chat, or only the one with uuid when it is set.
func fetchChats(ctx context.Context, q querier, only string) ([]chat.Chat, error) {
	query := `
		SELECT c.uuid, c.remote_id, c.title, ch.remote_id, c.archived, c.payload, c.created_at
		FROM chat c INNER JOIN character ch ON c.character_id = ch.uuid`
	var args []any
	if only != "" {
		query += ` WHERE c.uuid = ?`
		args = append(args, only)
	}
	query += ` ORDER BY c.rowid`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch chats: %w", err)
	}
	defer rows.Close()

	out := []chat.Chat{}
	for rows.Next() {
		var (
			c       chat.Chat
			rawID   string
			payload string
		)
		if err := rows.Scan(&rawID, &c.ID, &c.Title, &c.CharacterID, &c.Archived, &payload, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("chat uuid: %w", err)
		}
		c.UUID = &id
		if err := json.Unmarshal([]byte(payload), &c.Data); err != nil {
			return nil, fmt.Errorf("decode chat %s: %w", rawID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
