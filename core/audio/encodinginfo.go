package audio

import "time"

const (
	DefaultSampleRate = 32000
	DefaultFormat     = "linear16"
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

// EncodingInfo describes the raw audio format a device client consumes or
// produces. Synthesis requests are issued in the output device's encoding so
// fetched bytes can be fed to the device without transcoding.
type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	case EncodingLinear16:
		return 0
	}

	return 0
}

// Duration reports how long byteCount bytes of audio last when played in this
// encoding. Used for playback progress approximation only, never for pacing.
func (e EncodingInfo) Duration(byteCount int) time.Duration {
	byteRate := e.SampleRate * e.Format.ByteSize()
	if byteRate <= 0 {
		return 0
	}
	return time.Duration(float64(byteCount) / float64(byteRate) * float64(time.Second))
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
