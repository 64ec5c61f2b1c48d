package api

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/history"
	csync "github.com/matheus3301/chatsync/internal/sync"
	"google.golang.org/protobuf/types/known/structpb"
)

// Request field accessors. Missing fields read as zero values.

func str(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func boolean(req *structpb.Struct, key string) bool {
	return req.GetFields()[key].GetBoolValue()
}

func number(req *structpb.Struct, key string) float64 {
	return req.GetFields()[key].GetNumberValue()
}

func list(req *structpb.Struct, key string) []*structpb.Value {
	return req.GetFields()[key].GetListValue().GetValues()
}

func has(req *structpb.Struct, key string) bool {
	_, ok := req.GetFields()[key]
	return ok
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMs(ms float64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

func messageMap(m chat.Message) map[string]any {
	return map[string]any{
		"id":                 m.ID,
		"chat_id":            m.ChatID,
		"author_id":          m.AuthorID,
		"text":               m.Text,
		"status":             string(m.Status),
		"seq":                m.Seq,
		"created_at_unix_ms": unixMs(m.CreatedAt),
	}
}

func messagesList(msgs []chat.Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageMap(m))
	}
	return out
}

func conversationMap(c chat.Conversation) map[string]any {
	parts := make([]any, 0, len(c.Participants))
	for _, p := range c.Participants {
		parts = append(parts, map[string]any{"user_id": p.UserID, "role": string(p.Role)})
	}
	return map[string]any{
		"id":                      c.ID,
		"kind":                    string(c.Kind),
		"name":                    c.Name,
		"participants":            parts,
		"last_message":            c.LastMessage,
		"last_message_at_unix_ms": unixMs(c.LastMessageTime),
		"unread":                  c.Unread,
	}
}

func windowMap(w history.Window) map[string]any {
	return map[string]any{
		"chat_id":  w.ChatID,
		"start":    w.Start,
		"total":    w.Total,
		"has_more": w.HasMore(),
		"messages": messagesList(w.Messages),
	}
}

func conversationFromRequest(req *structpb.Struct) chat.Conversation {
	c := chat.Conversation{
		ID:   str(req, "chat_id"),
		Kind: chat.Kind(str(req, "kind")),
		Name: str(req, "name"),
	}
	for _, v := range list(req, "participants") {
		p := v.GetStructValue()
		c.Participants = append(c.Participants, chat.Participant{
			UserID: str(p, "user_id"),
			Role:   chat.Role(str(p, "role")),
		})
	}
	return c
}

func inboundFromRequest(chatID string, req *structpb.Struct) []chat.Inbound {
	var out []chat.Inbound
	for _, v := range list(req, "messages") {
		m := v.GetStructValue()
		out = append(out, chat.Inbound{
			ID:        str(m, "id"),
			ChatID:    chatID,
			AuthorID:  str(m, "author_id"),
			Text:      str(m, "text"),
			CreatedAt: fromUnixMs(number(m, "created_at_unix_ms")),
		})
	}
	return out
}

// payloadMap renders a bus event payload for WatchEvents.
func payloadMap(payload any) map[string]any {
	switch p := payload.(type) {
	case nil:
		return map[string]any{}
	case map[string]string:
		out := make(map[string]any, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	case map[string]int:
		out := make(map[string]any, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	case chat.StatusChange:
		return map[string]any{
			"message_id": p.MessageID,
			"chat_id":    p.ChatID,
			"from":       string(p.From),
			"to":         string(p.To),
		}
	case chat.RoleChange:
		return map[string]any{
			"chat_id": p.ChatID,
			"user_id": p.UserID,
			"from":    string(p.From),
			"to":      string(p.To),
			"notice":  p.Notice,
		}
	case chat.PersistFailure:
		return map[string]any{
			"op":         p.Op,
			"chat_id":    p.ChatID,
			"message_id": p.MessageID,
			"error":      p.Err,
		}
	case chat.Inbound:
		return map[string]any{
			"id":                 p.ID,
			"chat_id":            p.ChatID,
			"author_id":          p.AuthorID,
			"text":               p.Text,
			"created_at_unix_ms": unixMs(p.CreatedAt),
		}
	case connectivity.Transition:
		return map[string]any{
			"from":       string(p.From),
			"to":         string(p.To),
			"at_unix_ms": unixMs(p.At),
		}
	case history.Expansion:
		return map[string]any{
			"chat_id": p.ChatID,
			"from":    p.From,
			"to":      p.To,
			"total":   p.Total,
		}
	case csync.Result:
		return map[string]any{
			"passes":      p.Passes,
			"attempted":   p.Attempted,
			"sent":        p.Sent,
			"failed":      p.Failed,
			"cleared":     p.Cleared,
			"deferred":    p.Deferred,
			"interrupted": p.Interrupted,
		}
	case csync.HistoryBatch:
		return map[string]any{
			"chat_id":        p.ChatID,
			"messages_count": len(p.Messages),
		}
	}
	return map[string]any{"value": fmt.Sprint(payload)}
}
