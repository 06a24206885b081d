package syncstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"erpy/internal/chat"
	"erpy/internal/completion"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "sync.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func character(id int) chat.Character {
	url := "https://example.invalid/card.png"
	return chat.Character{ID: id, URL: &url, Payload: json.RawMessage(`{"name":"Ada"}`)}
}

func conversation(id, characterID int, text string) chat.Chat {
	title := "first chat"
	return chat.Chat{
		ID:          id,
		Title:       &title,
		CharacterID: characterID,
		Data: []chat.HistoryItem{{
			Role:    completion.RoleUser,
			Content: []chat.Content{{Content: text, Timestamp: 1, ModelID: "m"}},
		}},
	}
}

func TestPersistAndFetchCharacter(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, err := s.PersistCharacter(ctx, character(7), "client-a")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	chars, err := s.FetchCharacters(ctx)
	require.NoError(t, err)
	require.Len(t, chars, 1)
	require.Equal(t, id, *chars[0].UUID)
	require.Equal(t, 7, chars[0].ID)
	require.JSONEq(t, `{"name":"Ada"}`, string(chars[0].Payload))

	// upsert by uuid keeps a single row
	updated := character(7)
	updated.UUID = &id
	updated.Payload = json.RawMessage(`{"name":"Ada L."}`)
	_, err = s.PersistCharacter(ctx, updated, "client-a")
	require.NoError(t, err)

	chars, err = s.FetchCharacters(ctx)
	require.NoError(t, err)
	require.Len(t, chars, 1)
	require.JSONEq(t, `{"name":"Ada L."}`, string(chars[0].Payload))
}

func TestPersistChatLinksCharacterByRemoteID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.PersistCharacter(ctx, character(3), "client-a")
	require.NoError(t, err)

	// chat id differs from the character's remote id
	chatID, err := s.PersistChat(ctx, conversation(11, 3, "hello"), "client-a")
	require.NoError(t, err)

	got, err := s.FetchChat(ctx, chatID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 11, got.ID)
	require.Equal(t, 3, got.CharacterID)
	require.Equal(t, "first chat", *got.Title)
	require.NotEmpty(t, got.CreatedAt)
	require.Equal(t, "hello", got.Data[0].Content[0].Content)

	missing, err := s.FetchChat(ctx, uuid.New())
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestPersistChatRequiresCharacterOfSameClient(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.PersistCharacter(ctx, character(3), "client-a")
	require.NoError(t, err)

	_, err = s.PersistChat(ctx, conversation(1, 3, "hi"), "client-b")
	require.ErrorIs(t, err, ErrCharacterNotFound)

	_, err = s.PersistChat(ctx, conversation(1, 99, "hi"), "client-a")
	require.ErrorIs(t, err, ErrCharacterNotFound)
}

func TestChatUpsertUpdatesInPlace(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.PersistCharacter(ctx, character(1), "c")
	require.NoError(t, err)

	id, err := s.PersistChat(ctx, conversation(1, 1, "v1"), "c")
	require.NoError(t, err)

	next := conversation(1, 1, "v2")
	next.UUID = &id
	next.Archived = true
	next.Title = nil
	_, err = s.PersistChat(ctx, next, "c")
	require.NoError(t, err)

	chats, err := s.FetchChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	require.True(t, chats[0].Archived)
	require.Nil(t, chats[0].Title)
	require.Equal(t, "v2", chats[0].Data[0].Content[0].Content)
}

func TestSyncAllReturnsEverything(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.PersistCharacter(ctx, character(5), "other-client")
	require.NoError(t, err)

	out, err := s.SyncAll(ctx, Snapshot{
		Characters: []chat.Character{character(1)},
		Chats:      []chat.Chat{conversation(2, 1, "synced")},
	}, "client-a")
	require.NoError(t, err)
	require.Len(t, out.Characters, 2)
	require.Len(t, out.Chats, 1)
	require.NotNil(t, out.Chats[0].UUID)
}

func TestSyncAllIsAtomic(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.SyncAll(ctx, Snapshot{
		Characters: []chat.Character{character(1)},
		Chats:      []chat.Chat{conversation(2, 42, "orphan")},
	}, "client-a")
	require.ErrorIs(t, err, ErrCharacterNotFound)

	chars, err := s.FetchCharacters(ctx)
	require.NoError(t, err)
	require.Empty(t, chars)
}

func TestClientIDRequired(t *testing.T) {
	s := openStore(t)
	_, err := s.PersistCharacter(context.Background(), character(1), "")
	require.Error(t, err)
}
