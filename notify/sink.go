package notify

import "context"

type providerSink struct {
	email *emailSender
	sms   *smsSender
}

// NewSink builds the production sink from environment configuration.
func NewSink() Sink {
	return &providerSink{
		email: newEmailSender(),
		sms:   newSMSSender(),
	}
}

func (s *providerSink) Send(ctx context.Context, msg Message) Result {
	switch msg.Channel {
	case ChannelEmail:
		return s.email.send(ctx, msg)
	case ChannelSMS:
		return s.sms.send(ctx, msg)
	default:
		return Result{Success: false, Err: "unknown channel: " + string(msg.Channel)}
	}
}
