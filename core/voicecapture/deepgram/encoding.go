package deepgram

import (
	"fmt"

	"github.com/opsvoice/voice-core/core/audio"
)

// validateEncoding rejects encodings Deepgram's live transcription endpoint
// cannot accept before a connection is attempted.
func validateEncoding(encoding audio.EncodingInfo) error {
	switch encoding.SampleRate {
	case 8000, 16000, 24000, 32000, 48000:
	default:
		return fmt.Errorf("unsupported sample rate %d", encoding.SampleRate)
	}

	switch encoding.Format {
	case audio.EncodingLinear16:
	case audio.EncodingALaw, audio.EncodingMulaw:
		if encoding.SampleRate != 8000 {
			return fmt.Errorf("unsupported sample rate %d for %s encoding",
				encoding.SampleRate, encoding.Format.Name())
		}
	default:
		return fmt.Errorf("unsupported encoding %q", encoding.Format.Name())
	}

	return nil
}
