package media

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	webm := []byte("\x1a\x45\xdf\xa3\x9f\x42\x86\x81\x01\x42\xf7\x81\x01\x42\xf2\x81\x04webm")

	tests := []struct {
		name     string
		data     []byte
		declared string
		max      int
		want     string
		wantErr  error
	}{
		{"declared_video", []byte("abc"), "video/mp4", 0, "video/mp4", nil},
		{"declared_with_codecs", []byte("abc"), "audio/webm;codecs=opus", 0, "audio/webm", nil},
		{"sniffed_webm", webm, "", 0, "video/webm", nil},
		{"text_rejected", []byte("hello world"), "text/plain", 0, "", ErrUnsupported},
		{"octet_stream_sniffed_text", []byte("hello world"), "application/octet-stream", 0, "", ErrUnsupported},
		{"empty", nil, "video/webm", 0, "", ErrEmpty},
		{"too_large", make([]byte, 11), "video/webm", 10, "", ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Validate(tt.data, tt.declared, tt.max)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Validate err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if got != tt.want {
				t.Errorf("Validate = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClipDuration(t *testing.T) {
	c := NewClip([]byte("x"), "", SourceRecording)
	if c.MimeType != DefaultMimeType {
		t.Errorf("MimeType = %q, want %q", c.MimeType, DefaultMimeType)
	}
	if c.Duration() != nil {
		t.Error("Duration should be nil before metadata loads")
	}
	c.DurationSeconds = 61
	if d := c.Duration(); d == nil || *d != 61 {
		t.Errorf("Duration = %v, want 61", d)
	}
}

func TestUploadName(t *testing.T) {
	c := NewClip([]byte("x"), "audio/mpeg", SourceUpload)
	if got := c.UploadName(); got != "recording.mp3" {
		t.Errorf("UploadName = %q, want recording.mp3", got)
	}
	c.Filename = "/tmp/../talk.m4a"
	if got := c.UploadName(); got != "talk.m4a" {
		t.Errorf("UploadName = %q, want talk.m4a", got)
	}
}
