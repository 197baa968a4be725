package outlook

import (
	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/jobtrail/jobtrail/internal/model"
	"github.com/jobtrail/jobtrail/internal/providers"
)

// Normalize converts a raw Graph message into the canonical record.
// Graph returns structured sender/recipient objects; missing fields
// degrade to zero values.
func (a *Adapter) Normalize(raw providers.RawMessage) model.EmailRecord {
	m, ok := raw.(*Message)
	if !ok || m.Msg == nil {
		return model.EmailRecord{}
	}
	msg := m.Msg

	rec := model.EmailRecord{}

	if id := msg.GetId(); id != nil {
		rec.MessageID = *id
	}
	if subject := msg.GetSubject(); subject != nil {
		rec.Subject = *subject
	}
	if from := msg.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			if address := addr.GetAddress(); address != nil {
				rec.Sender = *address
			}
		}
	}
	rec.Recipients = extractAddresses(msg.GetToRecipients())
	if preview := msg.GetBodyPreview(); preview != nil {
		rec.Preview = *preview
	}
	if body := msg.GetBody(); body != nil {
		if content := body.GetContent(); content != nil {
			rec.Body = *content
		}
	}
	if rec.Body == "" {
		rec.Body = rec.Preview
	}
	if rcvd := msg.GetReceivedDateTime(); rcvd != nil {
		rec.Date = rcvd.UTC()
	}

	return rec
}

func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}
