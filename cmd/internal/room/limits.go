package room

import "time"

const (
	// Display names and message bodies are truncated, not rejected.
	maxNameChars = 32
	maxBodyChars = 256

	// Name seeds for deterministic room identifiers.
	maxSeedChars = 32

	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 32 << 10
)

const (
	defaultHistoryLimit = 100
	defaultSendQueue    = 256

	defaultWriteTimeout = 5 * time.Second
	defaultSweepEvery   = 30 * time.Second
	defaultStaleAfter   = 5 * time.Minute

	// Per-connection inbound frame guard (abuse backstop, distinct from the
	// per-address cooldown limiter).
	defaultFrameRate  = 20
	defaultFrameBurst = 40
)
