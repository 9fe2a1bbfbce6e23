package configs

import "time"

var (
	ServerAddress = ":8080"
	RedisAddress  = "localhost:6379"
	RelayURL      = "http://localhost:8080"

	WebSocketPath   = "/ws"
	PublishKeysPath = "/keys"
	MessagesPath    = "/messages"

	// Redis keys

	ClientSessionKey      = "client:session:%d:%d"
	ClientSessionPattern  = "client:session:%d:*"
	ServerMessageLogKey   = "messages:%d:%d"
	ServerUserPubKey      = "publicKey:%d"
	ServerSessionTokenKey = "session:%s"

	KeystoreFileName = "keystore.enc"
)

const (
	KeyExchangeRetryInterval = time.Second

	ReconnectBaseDelay   = time.Second
	ReconnectMaxDelay    = 5 * time.Second
	ReconnectMaxAttempts = 5

	MaxTextLength = 5000
	MaxFileSize   = 10 << 20

	SendQueueSize      = 256
	InboundQueueSize   = 1024
	PersistTimeout     = 5 * time.Second
	MaxFrameSize       = 64 << 10
	WriteWait          = 10 * time.Second
	PongWait           = 60 * time.Second
	PingPeriod         = (PongWait * 9) / 10
	DecryptPlaceholder = "[could not decrypt]"
)

// AllowedMimeTypes lists what the upload collaborator accepts.
var AllowedMimeTypes = mimeSet(
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"application/pdf",
	"text/plain",
	"application/zip",
	"application/x-zip-compressed",
	"application/msword",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
)

func mimeSet(types ...string) map[string]bool {
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}
