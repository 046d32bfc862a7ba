package httpapi

import "github.com/twilio/twilio-go/twiml"

// voiceResponse builds the webhook reply that tells the carrier to open a
// bidirectional media stream to streamURL for the duration of the call.
func voiceResponse(streamURL string) (string, error) {
	stream := &twiml.VoiceStream{
		Url: streamURL,
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}
	// Spoken only after the stream ends and control returns to the carrier.
	say := &twiml.VoiceSay{
		Message: "The call has ended. Goodbye.",
	}
	return twiml.Voice([]twiml.Element{connect, say})
}
