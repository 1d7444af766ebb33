// Package model 包含了应用的数据模型定义。
package model

import "time"

// DefaultConversationTitle 是新建对话的默认标题。
const DefaultConversationTitle = "new conversation"

// LLMModel 是对话可选择的生成模型。
type LLMModel struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	PublicID string `gorm:"type:char(36);uniqueIndex;not null" json:"public_id"`
	Name     string `gorm:"type:varchar(100);not null" json:"name"`
}

func (LLMModel) TableName() string {
	return "llm_models"
}

// Conversation 归属于唯一的用户，拥有可变标题和按时间排序的问答历史。
type Conversation struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	PublicID  string    `gorm:"type:char(36);uniqueIndex;not null" json:"public_id"`
	Title     string    `gorm:"type:varchar(255);not null;default:'new conversation'" json:"title"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	UserID    uint      `gorm:"index;not null" json:"user_id"`
	ModelID   uint      `gorm:"not null" json:"-"`
	Model     LLMModel  `gorm:"foreignKey:ModelID" json:"model"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Exchange 是一次已持久化的问答（用户请求 + 生成的回答），写入后不可变。
type Exchange struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	PublicID       string    `gorm:"type:char(36);uniqueIndex;not null" json:"public_id"`
	UserPrompt     string    `gorm:"type:text;not null" json:"user_prompt"`
	Response       string    `gorm:"type:text;not null" json:"response"`
	ConversationID uint      `gorm:"index;not null" json:"conversation_id"`
	Time           time.Time `gorm:"index;not null" json:"time"`
}

// TableName 沿用原有的 prompts 表名。
func (Exchange) TableName() string {
	return "prompts"
}

// ChatMessage 是带角色的单条消息，用于把问答历史喂给生成模型。
type ChatMessage struct {
	Role    string `json:"role"` // "user" 或 "assistant"
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ToMessages 把问答列表按顺序展开为 user/assistant 交替的消息。
func ToMessages(exchanges []Exchange) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(exchanges)*2)
	for _, e := range exchanges {
		msgs = append(msgs,
			ChatMessage{Role: RoleUser, Content: e.UserPrompt},
			ChatMessage{Role: RoleAssistant, Content: e.Response},
		)
	}
	return msgs
}
