// Package telephony wraps the telephony provider's REST surface: ending and
// redirecting live calls, placing outbound calls, and managing phone-number
// inventory for agent migration.
package telephony

import (
	"fmt"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/voxlink-ai/voicebridge/src/logger"
)

// CallControl is the provider-side control channel for live calls. The media
// path stays on the WebSocket; these operations go over REST.
type CallControl interface {
	EndCall(callSID string) error
	Transfer(callSID, targetNumber, callerID string) error
	PlayMessageAndHangup(callSID, message string) error
	StartOutboundCall(from, to, streamURL string, params map[string]string) (string, error)
	CallStatus(callSID string) (string, error)
}

// NumberRegistrar manages phone-number registration with the provider,
// used by the migrator to move numbers between agents.
type NumberRegistrar interface {
	Exists(number string) (bool, string, error)
	Register(number, voiceURL string) (string, error)
	Deregister(numberSID string) error
	ConfigureWebhook(numberSID, voiceURL string) error
	AssignToAgent(numberSID, agentID, baseURL string) error
}

// Twilio implements CallControl and NumberRegistrar against the Twilio API.
type Twilio struct {
	client *twilio.RestClient
	log    *logger.Logger
}

// NewTwilio builds a client from an account SID and auth token.
func NewTwilio(accountSID, authToken string) *Twilio {
	return &Twilio{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		log: logger.WithPrefix("Telephony"),
	}
}

// EndCall completes a live call. The provider then closes the media stream,
// which drives normal session teardown.
func (t *Twilio) EndCall(callSID string) error {
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := t.client.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("end call %s: %w", callSID, err)
	}
	t.log.Info("Ended call %s", callSID)
	return nil
}

// Transfer redirects a live call to a human number. The callerID shown to
// the transfer target depends on the call direction and is chosen upstream.
func (t *Twilio) Transfer(callSID, targetNumber, callerID string) error {
	dial := &twiml.VoiceDial{
		CallerId: callerID,
		InnerElements: []twiml.Element{
			&twiml.VoiceNumber{PhoneNumber: targetNumber},
		},
	}
	doc, err := twiml.Voice([]twiml.Element{dial})
	if err != nil {
		return fmt.Errorf("build transfer twiml: %w", err)
	}

	params := &api.UpdateCallParams{}
	params.SetTwiml(doc)
	if _, err := t.client.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("transfer call %s: %w", callSID, err)
	}
	t.log.Info("Transferring call %s to %s", callSID, targetNumber)
	return nil
}

// PlayMessageAndHangup speaks an apology to the caller and ends the call.
// Used when the bridge cannot be established after the call was answered.
func (t *Twilio) PlayMessageAndHangup(callSID, message string) error {
	say := &twiml.VoiceSay{Message: message}
	hangup := &twiml.VoiceHangup{}
	doc, err := twiml.Voice([]twiml.Element{say, hangup})
	if err != nil {
		return fmt.Errorf("build hangup twiml: %w", err)
	}

	params := &api.UpdateCallParams{}
	params.SetTwiml(doc)
	if _, err := t.client.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("play message on call %s: %w", callSID, err)
	}
	return nil
}

// StartOutboundCall places a call that connects its audio to the given
// media-stream URL when answered. Custom parameters ride along on the
// stream's start event.
func (t *Twilio) StartOutboundCall(from, to, streamURL string, custom map[string]string) (string, error) {
	stream := &twiml.VoiceStream{Url: streamURL}
	for name, value := range custom {
		stream.InnerElements = append(stream.InnerElements, &twiml.VoiceParameter{
			Name:  name,
			Value: value,
		})
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", fmt.Errorf("build outbound twiml: %w", err)
	}

	params := &api.CreateCallParams{}
	params.SetFrom(from)
	params.SetTo(to)
	params.SetTwiml(doc)
	resp, err := t.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("create call to %s: %w", to, err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("create call to %s: provider returned no sid", to)
	}
	t.log.Info("Placed outbound call %s to %s", *resp.Sid, to)
	return *resp.Sid, nil
}

// CallStatus fetches the provider's current status for a call
// (queued, ringing, in-progress, completed, busy, failed, no-answer).
func (t *Twilio) CallStatus(callSID string) (string, error) {
	resp, err := t.client.Api.FetchCall(callSID, &api.FetchCallParams{})
	if err != nil {
		return "", fmt.Errorf("fetch call %s: %w", callSID, err)
	}
	if resp.Status == nil {
		return "", nil
	}
	return *resp.Status, nil
}

// Exists checks whether the account owns the number and returns its SID.
func (t *Twilio) Exists(number string) (bool, string, error) {
	params := &api.ListIncomingPhoneNumberParams{}
	params.SetPhoneNumber(number)
	params.SetLimit(1)
	numbers, err := t.client.Api.ListIncomingPhoneNumber(params)
	if err != nil {
		return false, "", fmt.Errorf("list numbers: %w", err)
	}
	if len(numbers) == 0 || numbers[0].Sid == nil {
		return false, "", nil
	}
	return true, *numbers[0].Sid, nil
}

// Register provisions the number on this account with a voice webhook.
func (t *Twilio) Register(number, voiceURL string) (string, error) {
	params := &api.CreateIncomingPhoneNumberParams{}
	params.SetPhoneNumber(number)
	params.SetVoiceUrl(voiceURL)
	params.SetVoiceMethod("POST")
	resp, err := t.client.Api.CreateIncomingPhoneNumber(params)
	if err != nil {
		return "", fmt.Errorf("register number %s: %w", number, err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("register number %s: provider returned no sid", number)
	}
	t.log.Info("Registered number %s as %s", number, *resp.Sid)
	return *resp.Sid, nil
}

// Deregister releases the number from this account.
func (t *Twilio) Deregister(numberSID string) error {
	if err := t.client.Api.DeleteIncomingPhoneNumber(numberSID, &api.DeleteIncomingPhoneNumberParams{}); err != nil {
		return fmt.Errorf("deregister number %s: %w", numberSID, err)
	}
	return nil
}

// ConfigureWebhook points the number's voice webhook at the given URL.
func (t *Twilio) ConfigureWebhook(numberSID, voiceURL string) error {
	params := &api.UpdateIncomingPhoneNumberParams{}
	params.SetVoiceUrl(voiceURL)
	params.SetVoiceMethod("POST")
	if _, err := t.client.Api.UpdateIncomingPhoneNumber(numberSID, params); err != nil {
		return fmt.Errorf("configure webhook for %s: %w", numberSID, err)
	}
	return nil
}

// AssignToAgent routes the number's inbound calls to a specific agent by
// encoding the agent id in the webhook path.
func (t *Twilio) AssignToAgent(numberSID, agentID, baseURL string) error {
	return t.ConfigureWebhook(numberSID, baseURL+"/calls/answer/"+agentID)
}
