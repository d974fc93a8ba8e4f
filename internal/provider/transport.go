package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

// Mail is a rendered message ready for a transport.
type Mail struct {
	From     string
	FromName string
	To       []string
	CC       []string
	BCC      []string
	Subject  string
	HTML     string
	Text     string
	// Calendar is an optional iCalendar REQUEST sent as a text/calendar alternative.
	Calendar []byte
}

// Transport delivers mail for one provider.
type Transport interface {
	Send(ctx context.Context, m *Mail) error
	Verify(ctx context.Context) error
}

// TransportFactory builds the transport for a provider.
type TransportFactory func(p *Provider) (Transport, error)

const smtpTimeout = 30 * time.Second

// smtpSettings is the resolved SMTP endpoint for a provider.
type smtpSettings struct {
	Host string
	Port int
	SSL  bool
	User string
	Pass string
}

// settingsFor maps every provider type onto its SMTP relay.
func settingsFor(p *Provider) (smtpSettings, error) {
	c := p.Config
	switch p.Type {
	case TypeSMTP:
		if c.Host == "" {
			return smtpSettings{}, fmt.Errorf("smtp provider %s: host is required", p.Name)
		}
		port := c.Port
		if port == 0 {
			port = 587
			if c.Secure {
				port = 465
			}
		}
		return smtpSettings{Host: c.Host, Port: port, SSL: c.Secure, User: c.User, Pass: c.Pass}, nil
	case TypeSendGrid:
		return smtpSettings{Host: "smtp.sendgrid.net", Port: 587, User: "apikey", Pass: c.APIKey}, nil
	case TypeMailgun:
		return smtpSettings{Host: "smtp.mailgun.org", Port: 587, User: "postmaster@" + c.Domain, Pass: c.APIKey}, nil
	case TypeSES:
		region := c.Region
		if region == "" {
			region = "us-east-1"
		}
		return smtpSettings{Host: fmt.Sprintf("email-smtp.%s.amazonaws.com", region), Port: 587, User: c.AccessKeyID, Pass: c.SecretAccessKey}, nil
	case TypePostmark:
		return smtpSettings{Host: "smtp.postmarkapp.com", Port: 587, User: c.ServerToken, Pass: c.ServerToken}, nil
	case TypeSparkPost:
		return smtpSettings{Host: "smtp.sparkpostmail.com", Port: 587, User: "SMTP_Injection", Pass: c.APIKey}, nil
	}
	return smtpSettings{}, fmt.Errorf("unsupported provider type %q", p.Type)
}

type smtpTransport struct {
	client *mail.Client
}

// NewSMTPTransport is the default TransportFactory.
func NewSMTPTransport(p *Provider) (Transport, error) {
	s, err := settingsFor(p)
	if err != nil {
		return nil, err
	}
	opts := []mail.Option{
		mail.WithPort(s.Port),
		mail.WithTimeout(smtpTimeout),
	}
	if s.SSL {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if s.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.User),
			mail.WithPassword(s.Pass),
		)
	}
	client, err := mail.NewClient(s.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client for %s: %w", p.Name, err)
	}
	return &smtpTransport{client: client}, nil
}

func (t *smtpTransport) Send(ctx context.Context, m *Mail) error {
	msg := mail.NewMsg()
	if err := msg.FromFormat(m.FromName, m.From); err != nil {
		return fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(m.To...); err != nil {
		return fmt.Errorf("to address: %w", err)
	}
	if len(m.CC) > 0 {
		if err := msg.Cc(m.CC...); err != nil {
			return fmt.Errorf("cc address: %w", err)
		}
	}
	if len(m.BCC) > 0 {
		if err := msg.Bcc(m.BCC...); err != nil {
			return fmt.Errorf("bcc address: %w", err)
		}
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(mail.TypeTextHTML, m.HTML)
	if m.Text != "" {
		msg.AddAlternativeString(mail.TypeTextPlain, m.Text)
	}
	if len(m.Calendar) > 0 {
		msg.AddAlternativeString(mail.ContentType("text/calendar; method=REQUEST; charset=UTF-8"), string(m.Calendar))
	}
	return t.client.DialAndSendWithContext(ctx, msg)
}

func (t *smtpTransport) Verify(ctx context.Context) error {
	if err := t.client.DialWithContext(ctx); err != nil {
		return err
	}
	return t.client.Close()
}
