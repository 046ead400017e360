package provider

import "testing"

func TestEventType_String(t *testing.T) {
	cases := []struct {
		typ  EventType
		want string
	}{
		{EventAudioDelta, "audio_delta"},
		{EventAudioDone, "audio_done"},
		{EventTranscriptDelta, "transcript_delta"},
		{EventTranscriptDone, "transcript_done"},
		{EventUserTranscript, "user_transcript"},
		{EventSpeechStarted, "speech_started"},
		{EventSpeechStopped, "speech_stopped"},
		{EventResponseStarted, "response_started"},
		{EventResponseDone, "response_done"},
		{EventFunctionCall, "function_call"},
		{EventInterrupt, "interrupt"},
		{EventRateLimited, "rate_limited"},
		{EventError, "error"},
		{EventSessionEnded, "session_ended"},
		{EventType(999), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.typ.String(); got != tc.want {
			t.Errorf("EventType(%d).String() = %q, want %q", tc.typ, got, tc.want)
		}
	}
}
