package messaging

import "time"

// Security/performance limits for the realtime gateway and store.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message body length (runes).
	maxMessageChars = 4000

	// Directory previews are truncated to this many runes.
	previewMaxChars = 80
)

const (
	// History paging bounds for listSince.
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// Directory paging bounds for listConversations.
	defaultDirectoryLimit = 20
	maxDirectoryLimit     = 100
)

const (
	// Heartbeat defaults (GatewayConfig can override).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
