package notify

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"
)

const sendTimeout = 10 * time.Second

type emailSender struct {
	apiKey    string
	fromName  string
	fromEmail string
}

func newEmailSender() *emailSender {
	fromEmail := os.Getenv("SENDGRID_FROM_EMAIL")
	if fromEmail == "" {
		fromEmail = "noreply@dtrspro.com"
	}
	return &emailSender{
		apiKey:    os.Getenv("SENDGRID_API_KEY"),
		fromName:  "DTRS PRO",
		fromEmail: fromEmail,
	}
}

func (s *emailSender) send(ctx context.Context, msg Message) Result {
	logger := config.GetLogger()

	if s.apiKey == "" {
		logger.WithFields(logrus.Fields{
			"channel":   "email",
			"recipient": msg.Recipient,
			"subject":   msg.Subject,
		}).Info("sendgrid not configured - message logged only")
		return Result{Success: true, Degraded: true}
	}

	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail("", msg.Recipient)
	email := mail.NewSingleEmail(from, msg.Subject, to, msg.Body, msg.Body)

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	client := sendgrid.NewSendClient(s.apiKey)
	resp, err := client.SendWithContext(sendCtx, email)
	if err != nil {
		config.LogError(logger, "notify", "send", "sendgrid send failed", msg.Recipient, err)
		return Result{Success: false, Err: err.Error()}
	}
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
		config.LogError(logger, "notify", "send", "sendgrid non-2xx", msg.Recipient, err)
		return Result{Success: false, Err: err.Error()}
	}
	providerId := ""
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		providerId = ids[0]
	}
	return Result{Success: true, ProviderId: providerId}
}
