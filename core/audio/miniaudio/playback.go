package miniaudio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/opsvoice/voice-core/core/audio"
)

type playbackClient struct {
	audioContext *malgo.AllocatedContext
	device       *malgo.Device
	config       malgo.DeviceConfig

	pending []byte
	marks   []playbackMark

	mu      sync.Mutex
	audioMu sync.Mutex
	marksMu sync.Mutex
}

// playbackMark is a position in the pending buffer whose callback fires once
// the device has consumed everything before it.
type playbackMark struct {
	position  int
	onReached func()
}

func (c *playbackClient) Init(audioContext *malgo.AllocatedContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sampleRate := uint32(audio.DefaultSampleRate)
	channels := 1
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * channels

	c.config = malgo.DefaultDeviceConfig(malgo.Playback)
	c.config.SampleRate = sampleRate
	c.config.Playback.Format = format
	c.config.Playback.Channels = uint32(channels)
	c.config.Alsa.NoMMap = 1
	c.config.PeriodSizeInFrames = sampleRate / 10 // ~100ms of audio
	c.config.Periods = 4

	c.audioContext = audioContext

	var err error
	if c.device, err = malgo.InitDevice(
		c.audioContext.Context,
		c.config,
		malgo.DeviceCallbacks{Data: c.processAudio(bytesPerFrame)},
	); err != nil {
		return err
	}

	return nil
}

func (c *playbackClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	}
	if c.device.IsStarted() {
		return nil
	}

	if err := c.device.Start(); err != nil {
		return fmt.Errorf("failed to start playback device: %w", err)
	}

	return nil
}

func (c *playbackClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	}

	if err := c.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop playback device: %w", err)
	}

	c.ClearBuffer()
	return nil
}

func (c *playbackClient) Append(chunk []byte) error {
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	} else if !c.device.IsStarted() {
		return fmt.Errorf("device not started")
	}

	c.enqueue(chunk)
	return nil
}

func (c *playbackClient) enqueue(chunk []byte) {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	c.pending = append(c.pending, chunk...)
}

func (c *playbackClient) Mark(onReached func()) error {
	c.audioMu.Lock()
	position := len(c.pending)
	c.audioMu.Unlock()

	c.marksMu.Lock()
	defer c.marksMu.Unlock()
	c.marks = append(c.marks, playbackMark{
		position:  position,
		onReached: onReached,
	})
	return nil
}

func (c *playbackClient) ClearBuffer() {
	c.audioMu.Lock()
	c.marksMu.Lock()
	defer c.audioMu.Unlock()
	defer c.marksMu.Unlock()
	c.pending = nil
	c.marks = nil
}

func (c *playbackClient) Uninit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.device == nil {
		return fmt.Errorf("device not initialized")
	}

	c.device.Uninit()
	c.device = nil

	return nil
}

// processAudio runs on the device's audio thread; every pending access happens
// under audioMu so Append and ClearBuffer never mutate the slice mid-copy.
func (c *playbackClient) processAudio(bytesPerFrame int) malgo.DataProc {
	return func(pOutput, _ []byte, frameCount uint32) {
		need := int(frameCount) * bytesPerFrame
		c.processMarks(need)

		c.audioMu.Lock()
		defer c.audioMu.Unlock()
		if len(c.pending) == 0 {
			return
		}

		if len(c.pending) < need {
			_ = copy(pOutput, c.pending)
			c.pending = nil
			return
		}

		_ = copy(pOutput, c.pending[:need])
		c.pending = c.pending[need:]
	}
}

func (c *playbackClient) processMarks(consumed int) {
	c.marksMu.Lock()
	passedMarks := 0
	for i, mark := range c.marks {
		if mark.position >= consumed {
			c.marks[i].position -= consumed
		} else {
			passedMarks++
		}
	}
	// Copied out because Mark may append into the same backing array once the
	// lock is released.
	toCall := append([]playbackMark(nil), c.marks[:passedMarks]...)
	c.marks = c.marks[passedMarks:]
	c.marksMu.Unlock()

	if len(toCall) == 0 {
		return
	}
	go func() {
		for _, mark := range toCall {
			mark.onReached()
		}
	}()
}
