package repository

import (
	"database/sql"
	"time"
)

// --- Persistence Models ---

type userModel struct {
	ID        string    `gorm:"primaryKey;column:id"`
	Name      string    `gorm:"column:name;not null"`
	Email     string    `gorm:"column:email;not null;uniqueIndex"`
	Enabled   bool      `gorm:"column:enabled;default:true"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (userModel) TableName() string { return "users" }

type agentModel struct {
	ID        string    `gorm:"primaryKey;column:id"`
	UserID    string    `gorm:"column:user_id;not null;index"`
	Name      string    `gorm:"column:name;not null"`
	PromptID  string    `gorm:"column:prompt_id;not null"`
	Enabled   bool      `gorm:"column:enabled;default:true"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (agentModel) TableName() string { return "agents" }

type phoneNumberModel struct {
	PhoneNumberID     string    `gorm:"primaryKey;column:phone_number_id"`
	AgentID           string    `gorm:"column:agent_id;not null;index"`
	Platform          string    `gorm:"column:platform;not null"`
	AccessToken       string    `gorm:"column:access_token;not null"`
	MetaPhoneNumberID string    `gorm:"column:meta_phone_number_id"`
	Enabled           bool      `gorm:"column:enabled;default:true"`
	CreatedAt         time.Time `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time `gorm:"column:updated_at;not null"`
}

func (phoneNumberModel) TableName() string { return "phone_numbers" }

type conversationModel struct {
	ID                   string         `gorm:"primaryKey;column:id"`
	PhoneNumberID        string         `gorm:"column:phone_number_id;not null;index:idx_conv_pair"`
	CustomerPhone        string         `gorm:"column:customer_phone;not null;index:idx_conv_pair"`
	AgentID              string         `gorm:"column:agent_id;not null"`
	UserID               string         `gorm:"column:user_id;not null"`
	Status               string         `gorm:"column:status;default:'active';index"`
	OpenAIConversationID sql.NullString `gorm:"column:openai_conversation_id"`
	LastActivityAt       time.Time      `gorm:"column:last_activity_at;not null"`
	CreatedAt            time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt            time.Time      `gorm:"column:updated_at;not null"`
}

func (conversationModel) TableName() string { return "conversations" }

type messageModel struct {
	MessageID         string         `gorm:"primaryKey;column:message_id"`
	ConversationID    string         `gorm:"column:conversation_id;not null;index"`
	Sender            string         `gorm:"column:sender;not null"` // user | agent
	Text              string         `gorm:"column:text;not null"`
	Status            string         `gorm:"column:status;default:'pending'"`
	SequenceNo        uint64         `gorm:"column:sequence_no;not null;index:idx_msg_seq"`
	PlatformMessageID sql.NullString `gorm:"column:platform_message_id"`
	Timestamp         time.Time      `gorm:"column:timestamp;not null"`
	CreatedAt         time.Time      `gorm:"column:created_at;not null"`
}

func (messageModel) TableName() string { return "messages" }

type deliveryStatusModel struct {
	MessageID         string    `gorm:"primaryKey;column:message_id"`
	PlatformMessageID string    `gorm:"column:platform_message_id;index"`
	Status            string    `gorm:"column:status;not null"`
	UpdatedAt         time.Time `gorm:"column:updated_at;not null"`
}

func (deliveryStatusModel) TableName() string { return "message_delivery_status" }

type creditModel struct {
	UserID           string    `gorm:"primaryKey;column:user_id"`
	RemainingCredits int64     `gorm:"column:remaining_credits;not null;default:0"`
	LastUpdated      time.Time `gorm:"column:last_updated;not null"`
}

func (creditModel) TableName() string { return "credits" }

type meetingModel struct {
	ID             string    `gorm:"primaryKey;column:id"`
	ConversationID string    `gorm:"column:conversation_id;not null;index"`
	UserID         string    `gorm:"column:user_id;not null;index"`
	Title          string    `gorm:"column:title;not null"`
	AttendeeName   string    `gorm:"column:attendee_name"`
	AttendeeEmail  string    `gorm:"column:attendee_email"`
	MeetingTime    time.Time `gorm:"column:meeting_time;not null"`
	MeetLink       string    `gorm:"column:meet_link"`
	EventID        string    `gorm:"column:event_id"`
	Status         string    `gorm:"column:status;default:'scheduled'"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
}

func (meetingModel) TableName() string { return "meetings" }

type calendarTokenModel struct {
	UserID       string    `gorm:"primaryKey;column:user_id"`
	AccessToken  string    `gorm:"column:access_token;not null"`
	RefreshToken string    `gorm:"column:refresh_token;not null"`
	ExpiresAt    time.Time `gorm:"column:expires_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

func (calendarTokenModel) TableName() string { return "google_calendar_tokens" }
