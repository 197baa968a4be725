package gmail

import (
	"encoding/base64"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/jobtrail/jobtrail/internal/model"
	"github.com/jobtrail/jobtrail/internal/providers"
)

// Normalize converts a raw Gmail message into the canonical record.
// Decode failures degrade to the snippet; a malformed message never
// aborts the batch.
func (a *Adapter) Normalize(raw providers.RawMessage) model.EmailRecord {
	m, ok := raw.(*Message)
	if !ok || m.Msg == nil {
		return model.EmailRecord{}
	}
	msg := m.Msg

	rec := model.EmailRecord{
		MessageID: msg.Id,
		Preview:   msg.Snippet,
		Date:      time.UnixMilli(msg.InternalDate).UTC(),
	}

	if msg.Payload == nil {
		rec.Body = msg.Snippet
		return rec
	}

	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "Subject":
			rec.Subject = h.Value
		case "From":
			rec.Sender = h.Value
		case "To":
			rec.Recipients = splitAddrs(h.Value)
		}
	}

	body := extractBody(msg.Payload)
	if body == "" {
		body = msg.Snippet
	}
	rec.Body = body

	return rec
}

// extractBody picks the message text, preferring text/plain over
// text/html among the multipart alternatives.
func extractBody(payload *gmail.MessagePart) string {
	if text := findPart(payload, "text/plain"); text != "" {
		return text
	}
	return findPart(payload, "text/html")
}

func findPart(p *gmail.MessagePart, mimeType string) string {
	if p.MimeType == mimeType && p.Body != nil {
		return decodeBody(p.Body.Data)
	}
	for _, part := range p.Parts {
		if text := findPart(part, mimeType); text != "" {
			return text
		}
	}
	return ""
}

// decodeBody decodes Gmail's base64url body data, returning "" on
// malformed input.
func decodeBody(data string) string {
	if data == "" {
		return ""
	}
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(decoded)
}

// splitAddrs parses comma-separated email addresses.
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
