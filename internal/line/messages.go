// Package line wraps the LINE Messaging API: outbound messaging clients,
// the bot registry and inbound webhook payloads.
package line

import (
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// QuickReply is one quick-reply button. A button with PostbackData sends a
// postback, otherwise it sends Text as a message.
type QuickReply struct {
	Label        string
	Text         string
	PostbackData string
}

// Message is an outbound text message with optional quick replies.
type Message struct {
	Text         string
	QuickReplies []QuickReply
}

// Text builds a text message.
func Text(text string, quickReplies ...QuickReply) Message {
	return Message{Text: text, QuickReplies: quickReplies}
}

// Choice is a quick reply that sends its label as the message text.
func Choice(label, text string) QuickReply {
	return QuickReply{Label: label, Text: text}
}

// Quick-reply sets shared by the fortune flows.
var (
	BloodTypeChoices = []QuickReply{
		Choice("A型", "A"),
		Choice("B型", "B"),
		Choice("O型", "O"),
		Choice("AB型", "AB"),
	}
	CategoryChoices = []QuickReply{
		Choice("💕 恋愛運", "恋愛運"),
		Choice("💼 仕事運", "仕事運"),
		Choice("💰 金運", "金運"),
		Choice("🌟 総合運", "総合運"),
		Choice("🤝 対人運", "対人運"),
	}
)

// LINE limits labels to 20 characters and text messages to 5000.
const (
	maxLabelLength = 20
	maxTextLength  = 5000
)

func toSDKMessages(messages []Message) []messaging_api.MessageInterface {
	out := make([]messaging_api.MessageInterface, 0, len(messages))
	for _, m := range messages {
		msg := &messaging_api.TextMessage{Text: truncateRunes(m.Text, maxTextLength)}
		if len(m.QuickReplies) > 0 {
			items := make([]messaging_api.QuickReplyItem, 0, len(m.QuickReplies))
			for _, q := range m.QuickReplies {
				items = append(items, messaging_api.QuickReplyItem{
					Type:   "action",
					Action: toSDKAction(q),
				})
			}
			msg.QuickReply = &messaging_api.QuickReply{Items: items}
		}
		out = append(out, msg)
	}
	return out
}

func toSDKAction(q QuickReply) messaging_api.ActionInterface {
	label := truncateRunes(q.Label, maxLabelLength)
	if q.PostbackData != "" {
		return &messaging_api.PostbackAction{
			Label:       label,
			Data:        q.PostbackData,
			DisplayText: q.Text,
		}
	}
	text := q.Text
	if text == "" {
		text = q.Label
	}
	return &messaging_api.MessageAction{Label: label, Text: text}
}

func truncateRunes(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}
