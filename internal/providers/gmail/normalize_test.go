package gmail

import (
	"encoding/base64"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/gmail/v1"
)

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func header(name, value string) *gmail.MessagePartHeader {
	return &gmail.MessagePartHeader{Name: name, Value: value}
}

func TestNormalizePrefersPlainTextOverHTML(t *testing.T) {
	a := New(nil, zap.NewNop())

	msg := &gmail.Message{
		Id:           "m1",
		Snippet:      "We received your application",
		InternalDate: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmail.MessagePartHeader{
				header("Subject", "Application received"),
				header("From", "jobs@acme.com"),
				header("To", "alice@gmail.com, bob@gmail.com"),
			},
			Parts: []*gmail.MessagePart{
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>html body</p>")}},
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("plain body")}},
			},
		},
	}

	rec := a.Normalize(&Message{Msg: msg})
	if rec.MessageID != "m1" {
		t.Fatalf("message id = %q", rec.MessageID)
	}
	if rec.Subject != "Application received" || rec.Sender != "jobs@acme.com" {
		t.Fatalf("headers not mapped: %+v", rec)
	}
	if len(rec.Recipients) != 2 || rec.Recipients[0] != "alice@gmail.com" {
		t.Fatalf("recipients = %v", rec.Recipients)
	}
	if rec.Body != "plain body" {
		t.Fatalf("body = %q, want the text/plain part", rec.Body)
	}
	if rec.Preview != "We received your application" {
		t.Fatalf("preview = %q", rec.Preview)
	}
	if !rec.Date.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("date = %v", rec.Date)
	}
}

func TestNormalizeFallsBackToHTMLThenSnippet(t *testing.T) {
	a := New(nil, zap.NewNop())

	msg := &gmail.Message{
		Id:      "m2",
		Snippet: "snippet text",
		Payload: &gmail.MessagePart{
			MimeType: "text/html",
			Body:     &gmail.MessagePartBody{Data: b64("<p>only html</p>")},
		},
	}
	if rec := a.Normalize(&Message{Msg: msg}); rec.Body != "<p>only html</p>" {
		t.Fatalf("body = %q, want the html part", rec.Body)
	}

	// Undecodable body data degrades to the snippet.
	msg.Payload.Body.Data = "!!not-base64!!"
	if rec := a.Normalize(&Message{Msg: msg}); rec.Body != "snippet text" {
		t.Fatalf("body = %q, want snippet fallback", rec.Body)
	}
}

func TestNormalizeNestedMultipart(t *testing.T) {
	a := New(nil, zap.NewNop())

	msg := &gmail.Message{
		Id: "m3",
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Parts: []*gmail.MessagePart{
				{
					MimeType: "multipart/alternative",
					Parts: []*gmail.MessagePart{
						{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("nested plain")}},
					},
				},
			},
		},
	}
	if rec := a.Normalize(&Message{Msg: msg}); rec.Body != "nested plain" {
		t.Fatalf("body = %q", rec.Body)
	}
}

func TestNormalizeMissingPayload(t *testing.T) {
	a := New(nil, zap.NewNop())

	rec := a.Normalize(&Message{Msg: &gmail.Message{Id: "m4", Snippet: "just a snippet"}})
	if rec.MessageID != "m4" || rec.Body != "just a snippet" {
		t.Fatalf("rec = %+v", rec)
	}
	if rec.Subject != "" || rec.Sender != "" {
		t.Fatalf("rec = %+v", rec)
	}
}
