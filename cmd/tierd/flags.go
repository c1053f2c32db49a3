package main

import "time"

// Flag structs to decouple cobra from logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

// APIFlags locate a running daemon.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	ConfigPath string
	// ShutdownTimeout bounds the whole shutdown after the first signal; zero waits
	// for every grace period.
	ShutdownTimeout time.Duration
}

type StatusFlags struct {
	APIFlags
	ID string
}

type ResyncFlags struct {
	APIFlags
	Wait bool
}
