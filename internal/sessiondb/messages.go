package sessiondb

import "time"

// The composite types used for messages to the ClickHouse database.

// SessionMessage is the information for the sessions table. A row is written when
// the session starts and again, with End and ExitStatus filled in, when it ends.
type SessionMessage struct {
	ID         string
	Hostname   string
	Githash    string
	Version    string
	GoVersion  string
	StreamName string
	SourceID   string
	DeviceInfo string
	Nchannels  int
	SampleRate float64
	Start      time.Time
	End        time.Time
	ExitStatus int
}

// CommandMessage is the information for the commands table: one operator command
// accepted during a session.
type CommandMessage struct {
	ID        string
	SessionID string
	Command   string
	Time      time.Time
}
