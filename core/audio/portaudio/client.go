package portaudio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/opsvoice/voice-core/core/audio"
)

// Client plays complete audio payloads through the default PortAudio output
// device. It has no live-append support; each payload is written out in one
// blocking call, so it serves as a whole-buffer-only playback device.
type Client struct {
	bufferSize int
	stream     *portaudio.Stream

	out []int16
}

func NewClient(bufferSize int) (*Client, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	out := make([]int16, bufferSize)
	stream, err := portaudio.OpenDefaultStream(0, 1, audio.DefaultSampleRate, bufferSize, out)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open portaudio stream: %w", err)
	}

	return &Client{
		bufferSize: bufferSize,
		stream:     stream,
		out:        out,
	}, nil
}

// PlayBuffer writes one complete payload to the device, blocking until the
// payload has been written out or ctx is cancelled. A trailing partial frame
// is padded with silence.
func (c *Client) PlayBuffer(ctx context.Context, payload []byte) error {
	if err := c.stream.Start(); err != nil {
		return fmt.Errorf("failed to start portaudio stream: %w", err)
	}
	defer c.stream.Stop()

	frameBytes := c.bufferSize * 2
	for offset := 0; offset < len(payload); offset += frameBytes {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame := payload[offset:min(offset+frameBytes, len(payload))]
		if len(frame) < frameBytes {
			padded := make([]byte, frameBytes)
			copy(padded, frame)
			frame = padded
		}

		if err := binary.Read(bytes.NewReader(frame), binary.LittleEndian, c.out); err != nil {
			return fmt.Errorf("failed to frame audio payload: %w", err)
		}
		if err := c.stream.Write(); err != nil {
			return fmt.Errorf("failed to write to portaudio stream: %w", err)
		}
	}

	return nil
}

func (c *Client) Close() {
	c.stream.Close()
	portaudio.Terminate()
}

func (c *Client) EncodingInfo() audio.EncodingInfo {
	return audio.EncodingInfo{
		SampleRate: audio.DefaultSampleRate,
		Format:     audio.EncodingLinear16,
	}
}
