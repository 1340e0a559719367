package headstream

import (
	"runtime"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/headstream/internal/sessiondb"
)

// sessionRecorder writes one session and its accepted commands to the session
// database. A nil *sessionRecorder records nothing.
type sessionRecorder struct {
	db    *sessiondb.Connection
	id    string
	abort chan struct{}
}

// startSessionRecorder returns nil unless the database is enabled in cfg. An
// unreachable database is reported once and then ignored.
func startSessionRecorder(cfg Config, info *StreamInfo, dev Device) *sessionRecorder {
	if !cfg.DatabaseEnabled {
		return nil
	}
	sr := &sessionRecorder{id: ulid.Make().String(), abort: make(chan struct{})}
	msg := &sessiondb.SessionMessage{
		ID:         sr.id,
		Hostname:   Build.Host,
		Githash:    Build.Githash,
		Version:    Build.Version,
		GoVersion:  runtime.Version(),
		StreamName: info.Name,
		SourceID:   info.SourceID,
		DeviceInfo: dev.InfoString(),
		Nchannels:  info.ChannelCount,
		SampleRate: info.SampleRate,
		Start:      time.Now(),
	}
	sr.db = sessiondb.StartConnection(cfg.DatabaseAddr, msg, sr.abort)
	if !sr.db.IsConnected() {
		ProblemLogger.Printf("Session database at %s is not available: %v\n", cfg.DatabaseAddr, sr.db.Err())
		close(sr.abort)
		sr.db.Wait()
		return nil
	}
	UpdateLogger.Printf("Recording session %s in the session database\n", sr.id)
	return sr
}

func (sr *sessionRecorder) recordCommand(cmd string) {
	if sr == nil {
		return
	}
	sr.db.RecordCommand(&sessiondb.CommandMessage{
		ID:        ulid.Make().String(),
		SessionID: sr.id,
		Command:   cmd,
		Time:      time.Now(),
	}, sr.abort)
}

// finish records the session's end and waits for the database handler to exit.
func (sr *sessionRecorder) finish(exitStatus int) {
	if sr == nil {
		return
	}
	sr.db.SetExitStatus(exitStatus)
	close(sr.abort)
	sr.db.Wait()
}
