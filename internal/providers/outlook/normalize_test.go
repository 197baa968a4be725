package outlook

import (
	"testing"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"go.uber.org/zap"
)

func recipient(address string) models.Recipientable {
	addr := models.NewEmailAddress()
	addr.SetAddress(&address)
	r := models.NewRecipient()
	r.SetEmailAddress(addr)
	return r
}

func TestNormalizeMapsGraphMessage(t *testing.T) {
	a := New(nil, zap.NewNop())

	id := "AAMkAG-1"
	subject := "Interview invitation"
	preview := "We would like to invite you"
	body := "We would like to invite you to interview for the Engineer role."
	received := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

	msg := models.NewMessage()
	msg.SetId(&id)
	msg.SetSubject(&subject)
	msg.SetFrom(recipient("recruiting@acme.com"))
	msg.SetToRecipients([]models.Recipientable{recipient("bob@outlook.com")})
	msg.SetBodyPreview(&preview)
	itemBody := models.NewItemBody()
	itemBody.SetContent(&body)
	msg.SetBody(itemBody)
	msg.SetReceivedDateTime(&received)

	rec := a.Normalize(&Message{Msg: msg})
	if rec.MessageID != id || rec.Subject != subject {
		t.Fatalf("rec = %+v", rec)
	}
	if rec.Sender != "recruiting@acme.com" {
		t.Fatalf("sender = %q", rec.Sender)
	}
	if len(rec.Recipients) != 1 || rec.Recipients[0] != "bob@outlook.com" {
		t.Fatalf("recipients = %v", rec.Recipients)
	}
	if rec.Body != body || rec.Preview != preview {
		t.Fatalf("body = %q preview = %q", rec.Body, rec.Preview)
	}
	if !rec.Date.Equal(received) {
		t.Fatalf("date = %v", rec.Date)
	}
}

func TestNormalizeEmptyBodyFallsBackToPreview(t *testing.T) {
	a := New(nil, zap.NewNop())

	id := "AAMkAG-2"
	preview := "short preview"
	msg := models.NewMessage()
	msg.SetId(&id)
	msg.SetBodyPreview(&preview)

	rec := a.Normalize(&Message{Msg: msg})
	if rec.Body != preview {
		t.Fatalf("body = %q, want preview fallback", rec.Body)
	}
}

func TestNormalizeBareMessage(t *testing.T) {
	a := New(nil, zap.NewNop())

	rec := a.Normalize(&Message{Msg: models.NewMessage()})
	if rec.MessageID != "" || rec.Subject != "" || rec.Body != "" || rec.Recipients != nil {
		t.Fatalf("rec = %+v", rec)
	}
}
