package line

import (
	"encoding/json"
	"fmt"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
)

// SignatureHeader carries the HMAC of the webhook body.
const SignatureHeader = "X-Line-Signature"

// Event types handled by the bots.
const (
	EventTypeMessage  = "message"
	EventTypePostback = "postback"
	EventTypeFollow   = "follow"
	EventTypeUnfollow = "unfollow"
)

// WebhookRequest is the body LINE posts to the webhook.
type WebhookRequest struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

// Event is one webhook event. Only the fields used by the bots are decoded.
type Event struct {
	Type           string        `json:"type"`
	Mode           string        `json:"mode,omitempty"`
	Timestamp      int64         `json:"timestamp"`
	ReplyToken     string        `json:"replyToken,omitempty"`
	WebhookEventID string        `json:"webhookEventId,omitempty"`
	Source         Source        `json:"source"`
	Message        *EventMessage `json:"message,omitempty"`
	Postback       *Postback     `json:"postback,omitempty"`
}

// Source identifies who triggered an event.
type Source struct {
	Type    string `json:"type"`
	UserID  string `json:"userId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
}

// EventMessage is the message payload of a message event.
type EventMessage struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Postback is the payload of a postback event.
type Postback struct {
	Data string `json:"data"`
}

// IsText reports whether the event is a text message.
func (e Event) IsText() bool {
	return e.Type == EventTypeMessage && e.Message != nil && e.Message.Type == "text"
}

// ParseWebhook decodes a webhook body.
func ParseWebhook(body []byte) (*WebhookRequest, error) {
	var req WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid webhook body: %w", err)
	}
	return &req, nil
}

// VerifySignature checks the X-Line-Signature of a webhook body against the
// channel secret.
func VerifySignature(channelSecret, signature string, body []byte) bool {
	if channelSecret == "" || signature == "" {
		return false
	}
	return webhook.ValidateSignature(channelSecret, signature, body)
}
