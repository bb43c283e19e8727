// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npezzotti/chatline/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seq atomic.Int64

func unique(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), seq.Add(1))
}

// CreateAccount inserts an account with unique user name and email.
func CreateAccount(t *testing.T, s database.AccountStore, name string) database.Account {
	t.Helper()

	handle := unique(name)
	a, err := s.CreateAccount(context.Background(), database.CreateAccountParams{
		UserName:     handle,
		FullName:     name,
		Email:        handle + "@example.com",
		PasswordHash: "hash",
	})
	require.NoError(t, err, "create account %s", name)
	return a
}

func RunAccounts(t *testing.T, s database.AccountStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		a := CreateAccount(t, s, "alice")
		assert.NotEmpty(t, a.Id)
		assert.False(t, a.CreatedAt.IsZero())

		got, err := s.GetAccountById(ctx, a.Id)
		require.NoError(t, err)
		assert.Equal(t, a.UserName, got.UserName)
		assert.Equal(t, "hash", got.PasswordHash)

		byEmail, err := s.GetAccountByLogin(ctx, a.Email)
		require.NoError(t, err)
		assert.Equal(t, a.Id, byEmail.Id)

		byName, err := s.GetAccountByLogin(ctx, a.UserName)
		require.NoError(t, err)
		assert.Equal(t, a.Id, byName.Id)
	})

	t.Run("duplicate email conflicts", func(t *testing.T) {
		a := CreateAccount(t, s, "bob")
		_, err := s.CreateAccount(ctx, database.CreateAccountParams{
			UserName:     unique("bob2"),
			FullName:     "Bob Two",
			Email:        a.Email,
			PasswordHash: "hash",
		})
		assert.ErrorIs(t, err, database.ErrConflict)
	})

	t.Run("missing account", func(t *testing.T) {
		_, err := s.GetAccountById(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, database.ErrNotFound)

		_, err = s.GetAccountByLogin(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, database.ErrNotFound)
	})

	t.Run("get by ids", func(t *testing.T) {
		a := CreateAccount(t, s, "carol")
		b := CreateAccount(t, s, "dave")

		got, err := s.GetAccountsByIds(ctx, []string{a.Id, b.Id, "missing"})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		none, err := s.GetAccountsByIds(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("search excludes caller", func(t *testing.T) {
		tag := unique("zed")
		self, err := s.CreateAccount(ctx, database.CreateAccountParams{
			UserName: tag + "a", FullName: "Zed A", Email: tag + "a@example.com", PasswordHash: "hash",
		})
		require.NoError(t, err)
		other, err := s.CreateAccount(ctx, database.CreateAccountParams{
			UserName: tag + "b", FullName: "Zed B", Email: tag + "b@example.com", PasswordHash: "hash",
		})
		require.NoError(t, err)

		got, err := s.SearchAccounts(ctx, tag, self.Id, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, other.Id, got[0].Id)
	})
}

func RunConversations(t *testing.T, s interface {
	database.AccountStore
	database.ConversationStore
}) {
	ctx := context.Background()

	t.Run("direct conversation is unique per pair", func(t *testing.T) {
		a := CreateAccount(t, s, "alice")
		b := CreateAccount(t, s, "bob")

		conv, err := s.CreateConversation(ctx, database.CreateConversationParams{
			Id:      unique("direct"),
			Members: []string{a.Id, b.Id},
		})
		require.NoError(t, err)
		assert.False(t, conv.IsGroup)
		assert.ElementsMatch(t, []string{a.Id, b.Id}, conv.Members)

		_, err = s.CreateConversation(ctx, database.CreateConversationParams{
			Id:      unique("direct"),
			Members: []string{b.Id, a.Id},
		})
		assert.ErrorIs(t, err, database.ErrConflict)

		found, err := s.GetDirectConversation(ctx, b.Id, a.Id)
		require.NoError(t, err)
		assert.Equal(t, conv.Id, found.Id)
	})

	t.Run("group membership", func(t *testing.T) {
		admin := CreateAccount(t, s, "admin")
		u1 := CreateAccount(t, s, "u1")
		u2 := CreateAccount(t, s, "u2")
		u3 := CreateAccount(t, s, "u3")

		conv, err := s.CreateConversation(ctx, database.CreateConversationParams{
			Id:      unique("group"),
			Name:    "team",
			IsGroup: true,
			AdminId: admin.Id,
			Members: []string{admin.Id, u1.Id, u2.Id},
		})
		require.NoError(t, err)
		assert.Equal(t, admin.Id, conv.AdminId)
		assert.Equal(t, []string{admin.Id, u1.Id, u2.Id}, conv.Members, "members keep insertion order")

		conv, err = s.AddMember(ctx, conv.Id, u3.Id)
		require.NoError(t, err)
		assert.True(t, conv.HasMember(u3.Id))

		again, err := s.AddMember(ctx, conv.Id, u3.Id)
		require.NoError(t, err)
		assert.Len(t, again.Members, 4, "adding an existing member is a no-op")

		conv, err = s.RemoveMember(ctx, conv.Id, u1.Id)
		require.NoError(t, err)
		assert.False(t, conv.HasMember(u1.Id))

		_, err = s.RemoveMember(ctx, conv.Id, u1.Id)
		assert.ErrorIs(t, err, database.ErrNotFound)

		conv, err = s.RenameConversation(ctx, conv.Id, "renamed")
		require.NoError(t, err)
		assert.Equal(t, "renamed", conv.Name)

		_, err = s.AddMember(ctx, "missing", u1.Id)
		assert.ErrorIs(t, err, database.ErrNotFound)
	})

	t.Run("list orders by latest activity", func(t *testing.T) {
		a := CreateAccount(t, s, "alice")
		b := CreateAccount(t, s, "bob")
		c := CreateAccount(t, s, "carol")

		first, err := s.CreateConversation(ctx, database.CreateConversationParams{
			Id: unique("direct"), Members: []string{a.Id, b.Id},
		})
		require.NoError(t, err)
		second, err := s.CreateConversation(ctx, database.CreateConversationParams{
			Id: unique("direct"), Members: []string{a.Id, c.Id},
		})
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.SetLatestMessage(ctx, first.Id, "m1"))

		convs, err := s.ListConversations(ctx, a.Id)
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, first.Id, convs[0].Id)
		assert.Equal(t, "m1", convs[0].LatestMessageId)
		assert.Equal(t, second.Id, convs[1].Id)

		onlyB, err := s.ListConversations(ctx, b.Id)
		require.NoError(t, err)
		assert.Len(t, onlyB, 1)
	})

	t.Run("delete", func(t *testing.T) {
		a := CreateAccount(t, s, "alice")
		b := CreateAccount(t, s, "bob")
		conv, err := s.CreateConversation(ctx, database.CreateConversationParams{
			Id: unique("direct"), Members: []string{a.Id, b.Id},
		})
		require.NoError(t, err)

		require.NoError(t, s.DeleteConversation(ctx, conv.Id))
		_, err = s.GetConversation(ctx, conv.Id)
		assert.ErrorIs(t, err, database.ErrNotFound)

		assert.ErrorIs(t, s.DeleteConversation(ctx, conv.Id), database.ErrNotFound)
		assert.ErrorIs(t, s.SetLatestMessage(ctx, conv.Id, "m1"), database.ErrNotFound)

		convs, err := s.ListConversations(ctx, a.Id)
		require.NoError(t, err)
		assert.Empty(t, convs)
	})
}

func RunMessages(t *testing.T, s database.MessageStore) {
	ctx := context.Background()

	create := func(t *testing.T, convId, sender, content, clientId string) database.Message {
		t.Helper()
		m, err := s.CreateMessage(ctx, database.CreateMessageParams{
			ConversationId: convId,
			SenderId:       sender,
			Content:        content,
			ClientId:       clientId,
		})
		require.NoError(t, err)
		return m
	}

	t.Run("create and read back", func(t *testing.T) {
		conv := unique("conv")
		m := create(t, conv, "u1", "hello", "")
		assert.NotEmpty(t, m.Id)
		assert.Equal(t, "hello", m.Content)
		assert.Nil(t, m.EditedAt)

		got, err := s.GetMessage(ctx, m.Id)
		require.NoError(t, err)
		assert.Equal(t, m.Id, got.Id)
		assert.Equal(t, conv, got.ConversationId)
		assert.Equal(t, "u1", got.SenderId)

		latest, err := s.LatestMessage(ctx, conv)
		require.NoError(t, err)
		assert.Equal(t, m.Id, latest.Id)

		byIds, err := s.GetMessagesByIds(ctx, []string{m.Id})
		require.NoError(t, err)
		assert.Len(t, byIds, 1)
	})

	t.Run("client id is unique per sender and conversation", func(t *testing.T) {
		conv := unique("conv")
		m := create(t, conv, "u1", "once", "c-1")

		_, err := s.CreateMessage(ctx, database.CreateMessageParams{
			ConversationId: conv, SenderId: "u1", Content: "twice", ClientId: "c-1",
		})
		assert.ErrorIs(t, err, database.ErrConflict)

		got, err := s.GetMessageByClientId(ctx, "u1", conv, "c-1")
		require.NoError(t, err)
		assert.Equal(t, m.Id, got.Id)

		create(t, conv, "u2", "other sender", "c-1")
		create(t, conv, "u1", "no client id", "")
		create(t, conv, "u1", "no client id again", "")

		_, err = s.GetMessageByClientId(ctx, "u1", conv, "c-2")
		assert.ErrorIs(t, err, database.ErrNotFound)
	})

	t.Run("history pages ascending", func(t *testing.T) {
		conv := unique("conv")
		var ids []string
		for i := 0; i < 5; i++ {
			ids = append(ids, create(t, conv, "u1", fmt.Sprintf("msg %d", i), "").Id)
		}

		all, err := s.ListMessages(ctx, database.MessageQuery{ConversationId: conv, Limit: 50})
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i, m := range all {
			assert.Equal(t, ids[i], m.Id)
			assert.Equal(t, fmt.Sprintf("msg %d", i), m.Content)
		}

		last2, err := s.ListMessages(ctx, database.MessageQuery{ConversationId: conv, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, ids[3:], []string{last2[0].Id, last2[1].Id})

		before, err := s.ListMessages(ctx, database.MessageQuery{ConversationId: conv, Before: ids[3], Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, ids[1:3], []string{before[0].Id, before[1].Id})

		n, err := s.CountMessages(ctx, conv)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
	})

	t.Run("edit and delete", func(t *testing.T) {
		conv := unique("conv")
		first := create(t, conv, "u1", "first", "")
		second := create(t, conv, "u1", "second", "")

		edited, err := s.UpdateMessageContent(ctx, first.Id, "first, edited")
		require.NoError(t, err)
		assert.Equal(t, "first, edited", edited.Content)
		assert.NotNil(t, edited.EditedAt)

		require.NoError(t, s.DeleteMessage(ctx, second.Id))
		assert.ErrorIs(t, s.DeleteMessage(ctx, second.Id), database.ErrNotFound)

		latest, err := s.LatestMessage(ctx, conv)
		require.NoError(t, err)
		assert.Equal(t, first.Id, latest.Id)

		_, err = s.UpdateMessageContent(ctx, second.Id, "gone")
		assert.ErrorIs(t, err, database.ErrNotFound)
	})

	t.Run("delete conversation messages", func(t *testing.T) {
		conv := unique("conv")
		create(t, conv, "u1", "a", "")
		create(t, conv, "u2", "b", "")

		n, err := s.DeleteConversationMessages(ctx, conv)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		msgs, err := s.ListMessages(ctx, database.MessageQuery{ConversationId: conv, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, msgs)

		_, err = s.LatestMessage(ctx, conv)
		assert.ErrorIs(t, err, database.ErrNotFound)
	})
}
