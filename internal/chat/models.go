package chat

import (
	"time"

	"github.com/suPer8Hu/chat-relay/internal/common"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Session struct {
	ID            string     `gorm:"type:varchar(26);primaryKey" json:"id"`
	UserID        string     `gorm:"type:varchar(128);not null;index" json:"userId"`
	Title         string     `gorm:"type:varchar(200);not null" json:"title"`
	Model         string     `gorm:"type:varchar(128);not null" json:"model"`
	SystemPrompt  string     `gorm:"type:text" json:"systemPrompt,omitempty"`
	Temperature   float64    `gorm:"not null" json:"temperature"`
	MaxTokens     int        `gorm:"not null" json:"maxTokens"`
	MessageCount  int        `gorm:"not null" json:"messageCount"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	IsArchived    bool       `gorm:"not null;index" json:"isArchived"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (Session) TableName() string { return "chat_sessions" }

func (s *Session) BeforeCreate(*gorm.DB) error {
	return assignID(&s.ID)
}

type MessageMetadata struct {
	FinishReason string `json:"finishReason,omitempty"`
	RequestID    string `json:"requestId,omitempty"`
}

type Message struct {
	ID        string                              `gorm:"type:varchar(26);primaryKey" json:"id"`
	SessionID string                              `gorm:"type:varchar(26);not null;index:idx_chat_msg_session_created,priority:1" json:"sessionId"`
	UserID    string                              `gorm:"type:varchar(128);not null;index" json:"userId"`
	Content   string                              `gorm:"type:text;not null" json:"content"`
	Role      string                              `gorm:"type:varchar(16);not null" json:"role"`
	Tokens    *int                                `json:"tokens,omitempty"`
	Model     string                              `gorm:"type:varchar(128)" json:"model,omitempty"`
	Metadata  datatypes.JSONType[MessageMetadata] `json:"metadata"`
	CreatedAt time.Time                           `gorm:"index:idx_chat_msg_session_created,priority:2" json:"createdAt"`
	UpdatedAt time.Time                           `json:"updatedAt"`
}

func (Message) TableName() string { return "chat_messages" }

func (m *Message) BeforeCreate(*gorm.DB) error {
	return assignID(&m.ID)
}

type UsageStats struct {
	TotalMessages   int64      `gorm:"not null;default:0" json:"totalMessages"`
	TotalTokens     int64      `gorm:"not null;default:0" json:"totalTokens"`
	SessionsCreated int64      `gorm:"not null;default:0" json:"sessionsCreated"`
	LastActiveAt    *time.Time `json:"lastActiveAt,omitempty"`
}

type UserProfile struct {
	// ID is the identity provider subject.
	ID          string         `gorm:"type:varchar(128);primaryKey" json:"id"`
	Email       string         `gorm:"type:varchar(255)" json:"email,omitempty"`
	DisplayName string         `gorm:"type:varchar(100)" json:"displayName,omitempty"`
	Avatar      string         `gorm:"type:varchar(2048)" json:"avatar,omitempty"`
	Preferences datatypes.JSON `json:"preferences,omitempty"`
	Usage       UsageStats     `gorm:"embedded;embeddedPrefix:usage_" json:"usageStats"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func (UserProfile) TableName() string { return "user_profiles" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Session{}, &Message{}, &UserProfile{}}
}

func assignID(id *string) error {
	if *id != "" {
		return nil
	}
	v, err := common.NewULID()
	if err != nil {
		return err
	}
	*id = v
	return nil
}
