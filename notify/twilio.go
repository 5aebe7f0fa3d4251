package notify

import (
	"context"
	"os"

	"github.com/dtrspro/fieldops_backend/config"
	"github.com/sirupsen/logrus"
	"github.com/ttacon/libphonenumber"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type smsSender struct {
	accountSid string
	authToken  string
	fromNumber string
}

func newSMSSender() *smsSender {
	return &smsSender{
		accountSid: os.Getenv("TWILIO_ACCOUNT_SID"),
		authToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		fromNumber: os.Getenv("TWILIO_PHONE_NUMBER"),
	}
}

// normalizePhone renders the recipient in E.164. Unparseable numbers pass
// through unchanged and the provider rejects them instead of us guessing.
func normalizePhone(raw string) string {
	num, err := libphonenumber.Parse(raw, "US")
	if err != nil {
		return raw
	}
	return libphonenumber.Format(num, libphonenumber.E164)
}

func (s *smsSender) send(ctx context.Context, msg Message) Result {
	logger := config.GetLogger()

	if s.accountSid == "" || s.authToken == "" {
		logger.WithFields(logrus.Fields{
			"channel":   "sms",
			"recipient": msg.Recipient,
		}).Info("twilio not configured - message logged only")
		return Result{Success: true, Degraded: true}
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: s.accountSid,
		Password: s.authToken,
	})

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(normalizePhone(msg.Recipient))
	params.SetFrom(s.fromNumber)
	params.SetBody(msg.Body)

	resp, err := client.Api.CreateMessage(params)
	if err != nil {
		config.LogError(logger, "notify", "send", "twilio send failed", msg.Recipient, err)
		return Result{Success: false, Err: err.Error()}
	}
	providerId := ""
	if resp.Sid != nil {
		providerId = *resp.Sid
	}
	return Result{Success: true, ProviderId: providerId}
}
