package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockStore) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	args := m.Called(params)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockStore) GetAccountById(ctx context.Context, id string) (Account, error) {
	args := m.Called(id)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockStore) GetAccountByLogin(ctx context.Context, login string) (Account, error) {
	args := m.Called(login)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockStore) GetAccountsByIds(ctx context.Context, ids []string) ([]Account, error) {
	args := m.Called(ids)
	return args.Get(0).([]Account), args.Error(1)
}
func (m *MockStore) SearchAccounts(ctx context.Context, query, excludeId string, limit int) ([]Account, error) {
	args := m.Called(query, excludeId, limit)
	return args.Get(0).([]Account), args.Error(1)
}
func (m *MockStore) CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	args := m.Called(id)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockStore) GetDirectConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	args := m.Called(userA, userB)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockStore) ListConversations(ctx context.Context, userId string) ([]Conversation, error) {
	args := m.Called(userId)
	return args.Get(0).([]Conversation), args.Error(1)
}
func (m *MockStore) RenameConversation(ctx context.Context, id, name string) (Conversation, error) {
	args := m.Called(id, name)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockStore) AddMember(ctx context.Context, id, userId string) (Conversation, error) {
	args := m.Called(id, userId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockStore) RemoveMember(ctx context.Context, id, userId string) (Conversation, error) {
	args := m.Called(id, userId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockStore) SetLatestMessage(ctx context.Context, id, messageId string) error {
	args := m.Called(id, messageId)
	return args.Error(0)
}
func (m *MockStore) DeleteConversation(ctx context.Context, id string) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockStore) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockStore) GetMessage(ctx context.Context, id string) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockStore) GetMessageByClientId(ctx context.Context, senderId, conversationId, clientId string) (Message, error) {
	args := m.Called(senderId, conversationId, clientId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockStore) GetMessagesByIds(ctx context.Context, ids []string) ([]Message, error) {
	args := m.Called(ids)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockStore) ListMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	args := m.Called(q)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockStore) LatestMessage(ctx context.Context, conversationId string) (Message, error) {
	args := m.Called(conversationId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockStore) UpdateMessageContent(ctx context.Context, id, content string) (Message, error) {
	args := m.Called(id, content)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockStore) DeleteMessage(ctx context.Context, id string) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockStore) DeleteConversationMessages(ctx context.Context, conversationId string) (int64, error) {
	args := m.Called(conversationId)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockStore) CountMessages(ctx context.Context, conversationId string) (int64, error) {
	args := m.Called(conversationId)
	return args.Get(0).(int64), args.Error(1)
}
