package attachment

import (
	"fmt"

	"github.com/hupe1980/tailormesh/core"
)

const (
	DefaultMaxSize  = 10 << 20
	DefaultMaxCount = 5
)

// DefaultAllowedTypes lists the MIME types accepted when none are configured.
var DefaultAllowedTypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"text/plain",
	"text/csv",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// RejectedError names the offending file and the violated constraint.
type RejectedError struct {
	Filename string
	Reason   string
}

func (e *RejectedError) Error() string {
	if e.Filename == "" {
		return "attachment rejected: " + e.Reason
	}
	return fmt.Sprintf("attachment %q rejected: %s", e.Filename, e.Reason)
}

// Is makes errors.Is(err, core.ErrAttachmentRejected) hold.
func (e *RejectedError) Is(target error) bool { return target == core.ErrAttachmentRejected }

// Accepted is a validated, decoded attachment.
type Accepted struct {
	Filename string
	MimeType string
	Data     []byte
}

// Validator enforces size, count and type limits.
type Validator struct {
	MaxSize      int
	MaxCount     int
	AllowedTypes []string

	allowed map[string]bool
}

// NewValidator returns a Validator; zero values use the defaults.
func NewValidator(maxSize, maxCount int, allowed []string) *Validator {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	if len(allowed) == 0 {
		allowed = DefaultAllowedTypes
	}
	v := &Validator{MaxSize: maxSize, MaxCount: maxCount, AllowedTypes: allowed, allowed: map[string]bool{}}
	for _, t := range allowed {
		v.allowed[normalize(t)] = true
	}
	return v
}

// Validate checks every attachment and decodes the accepted ones. The first
// violation aborts the whole batch.
func (v *Validator) Validate(atts []core.Attachment) ([]Accepted, error) {
	if len(atts) > v.MaxCount {
		return nil, &RejectedError{Reason: fmt.Sprintf("too many attachments (%d, maximum %d)", len(atts), v.MaxCount)}
	}
	out := make([]Accepted, 0, len(atts))
	for _, a := range atts {
		if a.Size > v.MaxSize {
			return nil, &RejectedError{Filename: a.Filename, Reason: fmt.Sprintf("declared size %d exceeds %d bytes", a.Size, v.MaxSize)}
		}
		data, err := a.Decode()
		if err != nil {
			return nil, &RejectedError{Filename: a.Filename, Reason: "invalid base64 data"}
		}
		if len(data) > v.MaxSize {
			return nil, &RejectedError{Filename: a.Filename, Reason: fmt.Sprintf("size %d exceeds %d bytes", len(data), v.MaxSize)}
		}
		mt := normalize(a.MimeType)
		if mt == "" {
			mt = DetectFromContent(a.Filename, data)
		}
		if !v.allowed[mt] {
			return nil, &RejectedError{Filename: a.Filename, Reason: fmt.Sprintf("type %s is not allowed", mt)}
		}
		out = append(out, Accepted{Filename: a.Filename, MimeType: mt, Data: data})
	}
	return out, nil
}
