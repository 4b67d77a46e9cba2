package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/AzielCF/az-gateway/domains/credits"
)

// AgentBinding is the join of a phone number to its agent and owning user.
type AgentBinding struct {
	PhoneNumberID     string
	AgentID           string
	UserID            string
	PromptID          string
	Platform          string
	AccessToken       string
	MetaPhoneNumberID string
}

// Conversation is one (phone_number_id, customer_phone) thread.
type Conversation struct {
	ID                   string
	PhoneNumberID        string
	CustomerPhone        string
	AgentID              string
	UserID               string
	OpenAIConversationID string // empty until the first LLM call materializes it
	LastActivityAt       time.Time
}

// MessageRecord is one persisted inbound or outbound message.
type MessageRecord struct {
	MessageID         string
	ConversationID    string
	Sender            string // "user" | "agent"
	Text              string
	Status            string // "sent" | "failed" | "pending"
	SequenceNo        uint64
	PlatformMessageID string
	Timestamp         time.Time
}

// Meeting is a scheduled calendar booking tied to a conversation.
type Meeting struct {
	ID             string
	ConversationID string
	UserID         string
	Title          string
	AttendeeName   string
	AttendeeEmail  string
	MeetingTime    time.Time
	MeetLink       string
	EventID        string
}

// CalendarToken is a user's OAuth credential set for the calendar provider.
type CalendarToken struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Repository is the persistence surface the processing core needs. Lookups
// that can legitimately find nothing return (nil, nil).
type Repository interface {
	ResolveAgent(ctx context.Context, phoneNumberID string) (*AgentBinding, error)
	ActiveConversation(ctx context.Context, phoneNumberID, customerPhone string) (*Conversation, error)
	CreateConversation(ctx context.Context, conv *Conversation) error
	SetOpenAIConversationID(ctx context.Context, conversationID, openaiID string) error
	TouchConversation(ctx context.Context, conversationID string) error
	ConversationOwner(ctx context.Context, conversationID string) (*AgentBinding, error)
	MaxSequenceNo(ctx context.Context, conversationID string) (uint64, error)

	InsertMessage(ctx context.Context, rec *MessageRecord) error
	TrackDelivery(ctx context.Context, messageID, platformMessageID, status string) error

	RemainingCredits(ctx context.Context, userID string) (int64, bool, error)
	DeductCredits(ctx context.Context, userID string, amount int64) (int64, error)

	InsertMeeting(ctx context.Context, m *Meeting) error
	CalendarToken(ctx context.Context, userID string) (*CalendarToken, error)
	SaveCalendarToken(ctx context.Context, tok *CalendarToken) error

	Ping(ctx context.Context) error
}

// GormRepository implements Repository on a gorm connection.
type GormRepository struct {
	db *gorm.DB
}

var _ Repository = (*GormRepository)(nil)

// NewGormRepository wraps db and runs schema migration.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(
		&userModel{},
		&agentModel{},
		&phoneNumberModel{},
		&conversationModel{},
		&messageModel{},
		&deliveryStatusModel{},
		&creditModel{},
		&meetingModel{},
		&calendarTokenModel{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &GormRepository{db: db}, nil
}

// ResolveAgent joins phone_numbers → agents → users. Returns (nil, nil)
// when the phone number has no enabled agent behind it.
func (r *GormRepository) ResolveAgent(ctx context.Context, phoneNumberID string) (*AgentBinding, error) {
	var row struct {
		PhoneNumberID     string
		AgentID           string
		UserID            string
		PromptID          string
		Platform          string
		AccessToken       string
		MetaPhoneNumberID string
	}
	err := r.db.WithContext(ctx).
		Table("phone_numbers").
		Select("phone_numbers.phone_number_id, agents.id AS agent_id, agents.user_id, agents.prompt_id, phone_numbers.platform, phone_numbers.access_token, phone_numbers.meta_phone_number_id").
		Joins("JOIN agents ON agents.id = phone_numbers.agent_id AND agents.enabled = ?", true).
		Joins("JOIN users ON users.id = agents.user_id AND users.enabled = ?", true).
		Where("phone_numbers.phone_number_id = ? AND phone_numbers.enabled = ?", phoneNumberID, true).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve agent: %w", err)
	}
	return &AgentBinding{
		PhoneNumberID:     row.PhoneNumberID,
		AgentID:           row.AgentID,
		UserID:            row.UserID,
		PromptID:          row.PromptID,
		Platform:          row.Platform,
		AccessToken:       row.AccessToken,
		MetaPhoneNumberID: row.MetaPhoneNumberID,
	}, nil
}

func (r *GormRepository) ActiveConversation(ctx context.Context, phoneNumberID, customerPhone string) (*Conversation, error) {
	var model conversationModel
	err := r.db.WithContext(ctx).
		Where("phone_number_id = ? AND customer_phone = ? AND status = ?", phoneNumberID, customerPhone, "active").
		Order("created_at DESC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conversationFromModel(&model), nil
}

func (r *GormRepository) CreateConversation(ctx context.Context, conv *Conversation) error {
	now := time.Now()
	model := conversationModel{
		ID:             conv.ID,
		PhoneNumberID:  conv.PhoneNumberID,
		CustomerPhone:  conv.CustomerPhone,
		AgentID:        conv.AgentID,
		UserID:         conv.UserID,
		Status:         "active",
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if conv.OpenAIConversationID != "" {
		model.OpenAIConversationID = sql.NullString{String: conv.OpenAIConversationID, Valid: true}
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	conv.LastActivityAt = now
	return nil
}

func (r *GormRepository) SetOpenAIConversationID(ctx context.Context, conversationID, openaiID string) error {
	err := r.db.WithContext(ctx).
		Model(&conversationModel{}).
		Where("id = ?", conversationID).
		Update("openai_conversation_id", openaiID).Error
	if err != nil {
		return fmt.Errorf("failed to set llm conversation id: %w", err)
	}
	return nil
}

func (r *GormRepository) TouchConversation(ctx context.Context, conversationID string) error {
	err := r.db.WithContext(ctx).
		Model(&conversationModel{}).
		Where("id = ?", conversationID).
		Update("last_activity_at", time.Now()).Error
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// ConversationOwner resolves the agent binding behind an existing
// conversation (conversation → agent → user).
func (r *GormRepository) ConversationOwner(ctx context.Context, conversationID string) (*AgentBinding, error) {
	var model conversationModel
	err := r.db.WithContext(ctx).Where("id = ?", conversationID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return r.ResolveAgent(ctx, model.PhoneNumberID)
}

func (r *GormRepository) MaxSequenceNo(ctx context.Context, conversationID string) (uint64, error) {
	var maxSeq sql.NullInt64
	err := r.db.WithContext(ctx).
		Model(&messageModel{}).
		Where("conversation_id = ?", conversationID).
		Select("MAX(sequence_no)").
		Scan(&maxSeq).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read max sequence: %w", err)
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return uint64(maxSeq.Int64), nil
}

func (r *GormRepository) InsertMessage(ctx context.Context, rec *MessageRecord) error {
	model := messageModel{
		MessageID:      rec.MessageID,
		ConversationID: rec.ConversationID,
		Sender:         rec.Sender,
		Text:           rec.Text,
		Status:         rec.Status,
		SequenceNo:     rec.SequenceNo,
		Timestamp:      rec.Timestamp,
		CreatedAt:      time.Now(),
	}
	if rec.PlatformMessageID != "" {
		model.PlatformMessageID = sql.NullString{String: rec.PlatformMessageID, Valid: true}
	}
	if model.Status == "" {
		model.Status = "pending"
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (r *GormRepository) TrackDelivery(ctx context.Context, messageID, platformMessageID, status string) error {
	model := deliveryStatusModel{
		MessageID:         messageID,
		PlatformMessageID: platformMessageID,
		Status:            status,
		UpdatedAt:         time.Now(),
	}
	err := r.db.WithContext(ctx).Save(&model).Error
	if err != nil {
		return fmt.Errorf("failed to track delivery: %w", err)
	}
	return nil
}

// RemainingCredits returns (balance, found). Missing users report found=false
// so the ledger can negative-cache them.
func (r *GormRepository) RemainingCredits(ctx context.Context, userID string) (int64, bool, error) {
	var model creditModel
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read credits: %w", err)
	}
	return model.RemainingCredits, true, nil
}

// DeductCredits decrements atomically; the WHERE clause guarantees the
// balance never goes negative even under concurrent deductions.
func (r *GormRepository) DeductCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&creditModel{}).
		Where("user_id = ? AND remaining_credits >= ?", userID, amount).
		Updates(map[string]interface{}{
			"remaining_credits": gorm.Expr("remaining_credits - ?", amount),
			"last_updated":      time.Now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to deduct credits: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, credits.ErrInsufficient
	}

	var model creditModel
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&model).Error; err != nil {
		return 0, fmt.Errorf("failed to re-read credits: %w", err)
	}
	return model.RemainingCredits, nil
}

func (r *GormRepository) InsertMeeting(ctx context.Context, m *Meeting) error {
	model := meetingModel{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		Title:          m.Title,
		AttendeeName:   m.AttendeeName,
		AttendeeEmail:  m.AttendeeEmail,
		MeetingTime:    m.MeetingTime,
		MeetLink:       m.MeetLink,
		EventID:        m.EventID,
		Status:         "scheduled",
		CreatedAt:      time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("failed to insert meeting: %w", err)
	}
	return nil
}

func (r *GormRepository) CalendarToken(ctx context.Context, userID string) (*CalendarToken, error) {
	var model calendarTokenModel
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read calendar token: %w", err)
	}
	return &CalendarToken{
		UserID:       model.UserID,
		AccessToken:  model.AccessToken,
		RefreshToken: model.RefreshToken,
		ExpiresAt:    model.ExpiresAt,
	}, nil
}

func (r *GormRepository) SaveCalendarToken(ctx context.Context, tok *CalendarToken) error {
	model := calendarTokenModel{
		UserID:       tok.UserID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.ExpiresAt,
		UpdatedAt:    time.Now(),
	}
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("failed to save calendar token: %w", err)
	}
	return nil
}

func (r *GormRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func conversationFromModel(m *conversationModel) *Conversation {
	conv := &Conversation{
		ID:             m.ID,
		PhoneNumberID:  m.PhoneNumberID,
		CustomerPhone:  m.CustomerPhone,
		AgentID:        m.AgentID,
		UserID:         m.UserID,
		LastActivityAt: m.LastActivityAt,
	}
	if m.OpenAIConversationID.Valid {
		conv.OpenAIConversationID = m.OpenAIConversationID.String
	}
	return conv
}
