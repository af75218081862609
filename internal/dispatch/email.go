package dispatch

import (
	"context"
	"io"

	"gopkg.in/gomail.v2"
)

type EmailMessage struct {
	To         []string
	Subject    string
	Body       string
	Attachment *Attachment
}

type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// GomailSender delivers mail over SMTP.
type GomailSender struct {
	dialer *gomail.Dialer
	from   string
}

func NewGomailSender(host string, port int, username, password, from string) *GomailSender {
	return &GomailSender{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

// Send delivers the message. gomail has no context support; the
// dispatcher's per-attempt timeout bounds the overall dispatch instead.
func (s *GomailSender) Send(_ context.Context, msg EmailMessage) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	if att := msg.Attachment; att != nil {
		m.Attach(att.Name,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(att.Data)
				return err
			}),
			gomail.SetHeader(map[string][]string{"Content-Type": {att.ContentType}}),
		)
	}

	return s.dialer.DialAndSend(m)
}

var _ EmailSender = (*GomailSender)(nil)
