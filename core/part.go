package core

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Part represents a polymorphic segment of message content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) isPart() {}

// FilePart references an attachment held in the attachment store. The bytes
// are not part of the message.
type FilePart struct {
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`
	Size         int    `json:"size"`
}

func (FilePart) isPart() {}

// BlobPart carries attachment bytes for the duration of one provider call. It
// is never stored in session history.
type BlobPart struct {
	Filename string
	MimeType string
	Data     []byte
}

func (BlobPart) isPart() {}

// IsImage reports whether the blob is an image type.
func (b BlobPart) IsImage() bool { return strings.HasPrefix(b.MimeType, "image/") }

// DataURL renders the blob as a base64 data URL.
func (b BlobPart) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", b.MimeType, base64.StdEncoding.EncodeToString(b.Data))
}

// Attachment is an inbound file as received from a client.
type Attachment struct {
	Filename string `json:"filename"`
	Data     string `json:"data"` // base64
	MimeType string `json:"mime_type"`
	Size     int    `json:"size"`
}

// Decode returns the raw attachment bytes.
func (a Attachment) Decode() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", a.Filename, err)
	}
	return b, nil
}
