package common

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// IdentityID is the stable id of a registered user. Zero is never a valid id.
type IdentityID int64

func (id IdentityID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseIdentityID parses a decimal id as used in URLs and CLI arguments.
func ParseIdentityID(s string) (IdentityID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid identity id %q: %w", s, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid identity id %q: must be positive", s)
	}
	return IdentityID(v), nil
}

// TimestampLayout is the ISO-8601 layout with millisecond precision used for
// server-assigned timestamps on the wire.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in UTC with TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts TimestampLayout as well as plain RFC 3339.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// PublicKeyEntry is what the directory publishes for an identity.
type PublicKeyEntry struct {
	UserID     IdentityID `json:"userId"`
	PublicKey  string     `json:"publicKey"`            // PEM encoded SPKI RSA public key
	SigningKey string     `json:"signingKey,omitempty"` // hex encoded Ed25519 point
}

// ContentType tags the plaintext record carried inside a message envelope.
type ContentType string

const (
	ContentText ContentType = "text"
	ContentFile ContentType = "file"
)

// FileCategory is derived from the MIME type of an uploaded file.
type FileCategory string

const (
	CategoryImage    FileCategory = "image"
	CategoryDocument FileCategory = "document"
)

// FileDescriptor is the opaque reference returned by the upload collaborator.
type FileDescriptor struct {
	URL      string       `json:"url"`
	Name     string       `json:"name"`
	MimeType string       `json:"mimeType"`
	Size     int64        `json:"size"`
	Category FileCategory `json:"category"`
}

// Content is the plaintext of a message before encryption.
type Content struct {
	Type ContentType     `json:"type"`
	Text string          `json:"text,omitempty"`
	File *FileDescriptor `json:"file,omitempty"`
}

// TextContent wraps a text message.
func TextContent(text string) Content {
	return Content{Type: ContentText, Text: text}
}

// FileContent wraps a file descriptor.
func FileContent(fd FileDescriptor) Content {
	return Content{Type: ContentFile, File: &fd}
}

// MarshalContent serializes c into the bytes that get encrypted.
func MarshalContent(c Content) ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalContent parses decrypted plaintext. Plaintext that is not a
// content record is returned as text, which is how older clients sent it.
func UnmarshalContent(b []byte) Content {
	var c Content
	if err := json.Unmarshal(b, &c); err != nil || c.Type == "" {
		return TextContent(string(b))
	}
	if c.Type == ContentFile && c.File == nil {
		return TextContent(string(b))
	}
	return c
}
