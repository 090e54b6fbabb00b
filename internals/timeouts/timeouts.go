package timeouts

import "time"

const (
	PollInterval      = 1 * time.Second
	TailInterval      = 500 * time.Millisecond
	SettleDelay       = 3 * time.Second
	SetupSettle       = 2 * time.Second
	GraceWindow       = 2 * time.Second
	InterruptSettle   = 2 * time.Second
	Cooldown          = 5 * time.Second
	StreamConnect     = 10 * time.Second
	HealthProbe       = 5 * time.Second
	ControlCall       = 30 * time.Second
	PromptBackstop    = 300 * time.Second
	DefaultAttempt    = 120 * time.Second
	DefaultWarmUp     = 300 * time.Second
	StaleThreshold    = 30 * time.Second
	ColdStartBoundary = 60 * time.Second
	ReconnectDelay    = 1 * time.Second
	ReconnectMaxDelay = 5 * time.Second
)

// ReconnectAttempts bounds re-dials of a dropped event stream.
const ReconnectAttempts = 10
