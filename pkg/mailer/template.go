package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

var otpTemplate = template.Must(template.New("otp").Parse(
	`<h2>OTP Code: {{.Code}}</h2>
<p>This code is valid for {{.Minutes}} minutes.</p>`))

// Message is a rendered notification.
type Message struct {
	Subject string
	HTML    string
}

// RenderOTP builds the passcode email for appName.
func RenderOTP(appName, code string, ttl time.Duration) (Message, error) {
	var body bytes.Buffer
	err := otpTemplate.Execute(&body, struct {
		Code    string
		Minutes int
	}{
		Code:    code,
		Minutes: int(ttl.Minutes()),
	})
	if err != nil {
		return Message{}, fmt.Errorf("render otp email: %w", err)
	}

	return Message{
		Subject: fmt.Sprintf("Your %s OTP Code", appName),
		HTML:    body.String(),
	}, nil
}
