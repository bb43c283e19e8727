package types

import (
	"time"
)

// User is the public profile of an account. It never carries credentials.
type User struct {
	Id        string    `json:"_id"`
	UserName  string    `json:"userName"`
	FullName  string    `json:"fullName"`
	Email     string    `json:"email,omitempty"`
	Avatar    string    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

type Conversation struct {
	Id            string    `json:"_id"`
	ChatName      string    `json:"chatName"`
	IsGroupChat   bool      `json:"isGroupChat"`
	Users         []User    `json:"users"`
	GroupAdmin    *User     `json:"groupAdmin,omitempty"`
	LatestMessage *Message  `json:"latestMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// MemberIds returns the ids of all members in membership order.
func (c Conversation) MemberIds() []string {
	ids := make([]string, 0, len(c.Users))
	for _, u := range c.Users {
		ids = append(ids, u.Id)
	}
	return ids
}

type Message struct {
	Id        string     `json:"_id"`
	Sender    User       `json:"sender"`
	ChatId    string     `json:"chat"`
	Content   string     `json:"content"`
	ClientId  string     `json:"clientId,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}
