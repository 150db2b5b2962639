package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SessionType identifies which multi-turn flow a session belongs to.
type SessionType string

const (
	SessionFortuneTelling SessionType = "fortune_telling"
	SessionConsultation   SessionType = "consultation"
)

// SessionState is the current step of a conversation session.
type SessionState string

const (
	StateAskBirthdate SessionState = "ask_birthdate"
	StateAskBloodType SessionState = "ask_blood_type"
	StateAskCategory  SessionState = "ask_category"
	StateProcessing   SessionState = "processing"
	StateChatting     SessionState = "chatting"
)

// SessionStatus tells whether a session still accepts messages.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// BroadcastStatus is the lifecycle status of a broadcast message.
type BroadcastStatus string

const (
	BroadcastDraft     BroadcastStatus = "draft"
	BroadcastScheduled BroadcastStatus = "scheduled"
	BroadcastSending   BroadcastStatus = "sending"
	BroadcastCompleted BroadcastStatus = "completed"
	BroadcastFailed    BroadcastStatus = "failed"
)

// Target modes for a broadcast.
const (
	TargetAll      = "all"
	TargetSpecific = "specific"
)

// Delivery outcomes recorded per recipient.
const (
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// StringList is a list of strings persisted as a JSON array.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	raw, err := jsonBytes(src)
	if err != nil || raw == nil {
		*l = nil
		return err
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode string list: %w", err)
	}
	*l = out
	return nil
}

// JSONMap is an arbitrary JSON object column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	raw, err := jsonBytes(src)
	if err != nil || raw == nil {
		*m = JSONMap{}
		return err
	}
	out := JSONMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode json object: %w", err)
	}
	*m = out
	return nil
}

// String returns the string value stored under key, or "" when absent.
func (m JSONMap) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func jsonBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, errors.New("unsupported json column type")
	}
}

// User is a LINE account that has contacted one of the bots.
type User struct {
	ID            int64     `db:"id"             json:"id"`
	LineUserID    string    `db:"line_user_id"   json:"line_user_id"`
	DisplayName   string    `db:"display_name"   json:"display_name"`
	PictureURL    string    `db:"picture_url"    json:"picture_url"`
	StatusMessage string    `db:"status_message" json:"status_message"`
	CreatedAt     time.Time `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"     json:"updated_at"`
}

// UserProfile holds the facts known about a user: what they told the
// fortune-teller directly and what was derived from their conversations.
type UserProfile struct {
	ID                 int64      `db:"id"                  json:"id"`
	LineUserID         string     `db:"line_user_id"        json:"line_user_id"`
	BirthDate          *string    `db:"birth_date"          json:"birth_date"`
	BloodType          *string    `db:"blood_type"          json:"blood_type"`
	PersonalityTraits  StringList `db:"personality_traits"  json:"personality_traits"`
	Interests          StringList `db:"interests"           json:"interests"`
	Concerns           StringList `db:"concerns"            json:"concerns"`
	CommunicationStyle *string    `db:"communication_style" json:"communication_style"`
	CreatedAt          time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"          json:"updated_at"`
}

// HasBirthDate reports whether a birth date is on file.
func (p *UserProfile) HasBirthDate() bool {
	return p != nil && p.BirthDate != nil && *p.BirthDate != ""
}

// HasBloodType reports whether a blood type is on file.
func (p *UserProfile) HasBloodType() bool {
	return p != nil && p.BloodType != nil && *p.BloodType != ""
}

// ProfileUpdate is a partial profile change. Nil fields leave the stored
// value untouched.
type ProfileUpdate struct {
	BirthDate          *string
	BloodType          *string
	PersonalityTraits  []string
	Interests          []string
	Concerns           []string
	CommunicationStyle *string
}

// Apply merges the update into p.
func (u ProfileUpdate) Apply(p *UserProfile) {
	if u.BirthDate != nil {
		p.BirthDate = u.BirthDate
	}
	if u.BloodType != nil {
		p.BloodType = u.BloodType
	}
	if u.PersonalityTraits != nil {
		p.PersonalityTraits = u.PersonalityTraits
	}
	if u.Interests != nil {
		p.Interests = u.Interests
	}
	if u.Concerns != nil {
		p.Concerns = u.Concerns
	}
	if u.CommunicationStyle != nil {
		p.CommunicationStyle = u.CommunicationStyle
	}
}

// ConversationSession tracks one in-progress multi-turn flow for a user.
type ConversationSession struct {
	ID             int64         `db:"id"`
	LineUserID     string        `db:"line_user_id"`
	SessionType    SessionType   `db:"session_type"`
	CurrentState   SessionState  `db:"current_state"`
	Status         SessionStatus `db:"status"`
	SessionData    JSONMap       `db:"session_data"`
	StartedAt      time.Time     `db:"started_at"`
	LastActivityAt time.Time     `db:"last_activity_at"`
	CompletedAt    *time.Time    `db:"completed_at"`
}

// Conversation is one logged exchange between a user and a bot.
type Conversation struct {
	ID               int64     `db:"id"                json:"id"`
	LineUserID       string    `db:"line_user_id"      json:"line_user_id"`
	ConversationType string    `db:"conversation_type" json:"conversation_type"`
	UserMessage      string    `db:"user_message"      json:"user_message"`
	AssistantMessage string    `db:"assistant_message" json:"assistant_message"`
	MessageMetadata  JSONMap   `db:"message_metadata"  json:"message_metadata"`
	CreatedAt        time.Time `db:"created_at"        json:"created_at"`
}

// ActivityLog is an immutable user event record.
type ActivityLog struct {
	ID         int64     `db:"id"`
	LineUserID string    `db:"line_user_id"`
	Action     string    `db:"action"`
	Metadata   JSONMap   `db:"metadata"`
	CreatedAt  time.Time `db:"created_at"`
}

// BroadcastMessage is an admin-authored bulk message campaign.
type BroadcastMessage struct {
	ID               int64           `db:"id"                 json:"id"`
	BotType          string          `db:"bot_type"           json:"bot_type"`
	Title            string          `db:"title"              json:"title"`
	MessageText      string          `db:"message_text"       json:"message_text"`
	MessageType      string          `db:"message_type"       json:"message_type"`
	TargetType       string          `db:"target_type"        json:"target_type"`
	TargetUsers      StringList      `db:"target_users"       json:"target_users"`
	Status           BroadcastStatus `db:"status"             json:"status"`
	ScheduledAt      *time.Time      `db:"scheduled_at"       json:"scheduled_at"`
	SentAt           *time.Time      `db:"sent_at"            json:"sent_at"`
	CompletedAt      *time.Time      `db:"completed_at"       json:"completed_at"`
	TotalTargetCount int             `db:"total_target_count" json:"total_target_count"`
	SentCount        int             `db:"sent_count"         json:"sent_count"`
	FailedCount      int             `db:"failed_count"       json:"failed_count"`
	ErrorMessage     *string         `db:"error_message"      json:"error_message"`
	CreatedBy        string          `db:"created_by"         json:"created_by"`
	CreatedAt        time.Time       `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"         json:"updated_at"`
}

// BroadcastLog records one delivery attempt of a broadcast to one recipient.
type BroadcastLog struct {
	ID                 int64     `db:"id"                   json:"id"`
	BroadcastMessageID int64     `db:"broadcast_message_id" json:"broadcast_message_id"`
	LineUserID         string    `db:"line_user_id"         json:"line_user_id"`
	Status             string    `db:"status"               json:"status"`
	ErrorMessage       *string   `db:"error_message"        json:"error_message"`
	CreatedAt          time.Time `db:"created_at"           json:"created_at"`
}
