package channel

import (
	"io"
	"log/slog"
)

// Config holds the credential material the registry inspects. It is derived
// once from the environment at startup and stays immutable for the process
// lifetime; configuration is not hot-reloaded mid-run.
type Config struct {
	SendGridKey   string
	MailgunKey    string
	MailgunDomain string
	SMTPHost      string
	SMTPPort      string
	SMTPUser      string
	SMTPPass      string
	FromAddr      string
	TokenFile     string
	PushEndpoint  string
}

// Selection is the outcome of startup channel resolution: exactly one active
// email-class adapter, plus an optional push broadcast that is invoked in
// addition to (never instead of) the email-class channel.
type Selection struct {
	Email     Adapter
	Broadcast *Broadcast // nil when the token file has no effective tokens
}

// Resolve picks the delivery channels once, as an ordered list of
// presence checks: SendGrid key, then Mailgun key+domain, then SMTP with all
// four values, then the dry-run sink which is always available. The push
// broadcast is resolved independently from the token file.
func Resolve(cfg Config, diagSink io.Writer, logger *slog.Logger) (Selection, error) {
	var sel Selection

	candidates := []struct {
		active bool
		build  func() Adapter
	}{
		{
			active: cfg.SendGridKey != "",
			build:  func() Adapter { return NewSendGridAdapter(cfg.SendGridKey, cfg.FromAddr, logger) },
		},
		{
			active: cfg.MailgunKey != "" && cfg.MailgunDomain != "",
			build:  func() Adapter { return NewMailgunAdapter(cfg.MailgunKey, cfg.MailgunDomain, cfg.FromAddr, logger) },
		},
		{
			active: cfg.SMTPHost != "" && cfg.SMTPPort != "" && cfg.SMTPUser != "" && cfg.SMTPPass != "",
			build: func() Adapter {
				return NewSMTPAdapter(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.FromAddr, logger)
			},
		},
		{
			active: true, // dry-run never fails and is always available
			build:  func() Adapter { return NewDryRunAdapter(diagSink, logger) },
		},
	}

	for _, c := range candidates {
		if c.active {
			sel.Email = c.build()
			break
		}
	}

	tokens, err := ReadTokens(cfg.TokenFile)
	if err != nil {
		return Selection{}, err
	}
	if len(tokens) > 0 {
		sel.Broadcast = NewBroadcast(cfg.PushEndpoint, tokens, logger)
	}

	logger.Info("Notification channels resolved",
		"email_channel", sel.Email.Name(),
		"broadcast_active", sel.Broadcast != nil,
		"broadcast_tokens", len(tokens))

	return sel, nil
}
