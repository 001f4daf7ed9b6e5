package client

import (
	"context"
	"errors"
	"mime"
	"sync"
	"time"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/model"
)

// Recording is a finished voice capture.
type Recording struct {
	Data     []byte
	MimeType string
	Duration time.Duration
}

// Recorder captures audio from the device. Cancel discards the buffer.
type Recorder interface {
	Start(ctx context.Context) error
	Stop() (*Recording, error)
	Cancel()
}

var voiceContainers = map[string]string{
	"audio/webm": ".webm",
	"audio/ogg":  ".ogg",
	"audio/mp4":  ".m4a",
}

var ErrNotRecording = errors.New("voice: not recording")

// VoiceContainer normalises a recorder mime type such as
// "audio/webm;codecs=opus" and returns its file extension.
func VoiceContainer(mimeType string) (string, string, error) {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "", "", apperr.InvalidArgument("unsupported voice format")
	}
	ext, ok := voiceContainers[mt]
	if !ok {
		return "", "", apperr.InvalidArgument("unsupported voice format " + mt)
	}
	return mt, ext, nil
}

// VoiceSession is one press-to-record interaction. It ends with either
// Stop (upload and send) or Cancel (nothing leaves the device).
type VoiceSession struct {
	c   *Controller
	rec Recorder

	mu     sync.Mutex
	active bool
}

// StartVoice begins recording into the open channel.
func (c *Controller) StartVoice(ctx context.Context, rec Recorder) (*VoiceSession, error) {
	if c.ChannelID() == "" {
		return nil, apperr.InvalidArgument("no channel open")
	}
	if err := rec.Start(ctx); err != nil {
		return nil, apperr.Unavailable("microphone unavailable", err)
	}
	return &VoiceSession{c: c, rec: rec, active: true}, nil
}

func (v *VoiceSession) Cancel() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.active {
		return
	}
	v.active = false
	v.rec.Cancel()
}

// Stop finishes the recording, uploads it as a single-file batch and
// sends a voice message.
func (v *VoiceSession) Stop(ctx context.Context) (*model.Message, error) {
	v.mu.Lock()
	if !v.active {
		v.mu.Unlock()
		return nil, ErrNotRecording
	}
	v.active = false
	v.mu.Unlock()

	r, err := v.rec.Stop()
	if err != nil {
		return nil, apperr.Unavailable("recording failed", err)
	}
	if len(r.Data) == 0 {
		return nil, apperr.InvalidArgument("empty recording")
	}
	return v.c.sendVoice(ctx, r)
}
