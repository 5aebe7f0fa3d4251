// Package notify is the outbound message sink. Sends never raise into the
// automation rules: every attempt comes back as a Result, and a provider
// that is not configured degrades to a logged no-op reported as success so
// callers do not retry pointlessly.
package notify

import "context"

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

type Message struct {
	Channel   Channel
	Recipient string
	Subject   string // email only
	Body      string
}

type Result struct {
	Success    bool
	ProviderId string
	Err        string
	Degraded   bool // true when the send was logged, not delivered
}

// Sink delivers a single message. Implementations must not return errors to
// the caller; failure is expressed in the Result.
type Sink interface {
	Send(ctx context.Context, msg Message) Result
}
