package capture

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/snarg/commcoach/internal/media"
)

var ErrPermission = errors.New("device permission denied")

// PermissionError reports why combined audio+video access was refused.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string {
	if e.Reason == "" {
		return ErrPermission.Error()
	}
	return ErrPermission.Error() + ": " + e.Reason
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermission }

// Device is an acquired capture handle. Close stops all of its tracks.
type Device interface {
	MimeType() string
	Close() error
}

// DeviceSource grants or refuses access to the microphone and camera.
type DeviceSource interface {
	Acquire(ctx context.Context) (Device, error)
}

// ReportedSource is a DeviceSource built from what the browser reported after
// prompting the user. The recorder itself runs client-side; the server only
// learns the outcome and the container the recorder will produce.
type ReportedSource struct {
	Granted  bool
	MimeType string
	Reason   string
}

func (s ReportedSource) Acquire(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.Granted {
		reason := s.Reason
		if reason == "" {
			reason = "access to camera and microphone was not allowed"
		}
		return nil, &PermissionError{Reason: reason}
	}
	mt := media.BaseType(s.MimeType)
	if mt == "" {
		mt = media.DefaultMimeType
	}
	if !media.IsAudioVideo(mt) {
		return nil, &PermissionError{Reason: "recorder reported unsupported type " + mt}
	}
	return &ReportedDevice{mimeType: mt}, nil
}

// ReportedDevice is the handle returned by ReportedSource.
type ReportedDevice struct {
	mimeType string
	released atomic.Bool
}

func (d *ReportedDevice) MimeType() string { return d.mimeType }

func (d *ReportedDevice) Close() error {
	d.released.Store(true)
	return nil
}

// Released reports whether Close has been called.
func (d *ReportedDevice) Released() bool { return d.released.Load() }
