package stt_test

import (
	"github.com/vneid-labs/voicekit/adapters/stt"
	"github.com/vneid-labs/voicekit/domain/repositories"
)

var _ repositories.SpeechToText = &stt.GoogleSpeechToText{}
