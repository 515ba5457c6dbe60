package mailer

import (
	"fmt"

	"otp-dispatcher/pkg/utils"
)

// FromConfig builds the provider selected by MAIL_PROVIDER.
func FromConfig(cfg utils.MailConfig) (Mailer, error) {
	switch cfg.Provider {
	case "smtp":
		return NewSMTPMailer(SMTPConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			From:     cfg.From,
			FromName: cfg.FromName,
		}), nil
	case "sendgrid":
		return NewSendGridMailer(cfg.SendGridAPIKey, cfg.From, cfg.FromName), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Provider)
	}
}
