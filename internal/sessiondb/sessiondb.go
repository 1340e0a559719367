// Package sessiondb records streaming sessions and operator commands in a ClickHouse database.
package sessiondb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Connection is a (possibly failed) connection to the session database. All
// methods are safe to call on a disconnected or nil Connection; they do nothing.
type Connection struct {
	conn       clickhouse.Conn
	err        error
	session    *SessionMessage
	commandmsg chan *CommandMessage
	sync.WaitGroup
}

const databaseName = "headstream" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// IsConnected reports whether the database is reachable and no insert has failed.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Err returns the error that disconnected db, if any.
func (db *Connection) Err() error {
	if db == nil {
		return errors.New("no database connection")
	}
	return db.err
}

// PingServer opens a connection to addr and reports the server version.
func PingServer(addr string) (string, error) {
	db := createConnection(addr)
	if !db.IsConnected() {
		return "", fmt.Errorf("database is not connected: %w", db.err)
	}
	defer db.conn.Close()
	v, err := db.conn.ServerVersion()
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}

// StartConnection connects to addr, records the start of session, and handles
// command messages until abort is closed. Then it records the session's end and
// marks db Done.
func StartConnection(addr string, session *SessionMessage, abort <-chan struct{}) *Connection {
	db := createConnection(addr)
	db.session = session
	db.logSession()
	if db.conn != nil {
		go db.handleConnection(abort)
	}
	return db
}

// Dummy returns a Connection that records nothing.
func Dummy() *Connection {
	return &Connection{}
}

func createConnection(addr string) *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("HEADSTREAM_DB_USER"),
		Password: os.Getenv("HEADSTREAM_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "headstream", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = conn.Ping(ctx); err != nil {
		var exception *clickhouse.Exception
		if errors.As(err, &exception) {
			err = fmt.Errorf("exception [%d] %s: %w", exception.Code, exception.Message, err)
		}
		db.err = err
		conn.Close()
		db.conn = nil
		return db
	}
	db.Add(1)
	db.commandmsg = make(chan *CommandMessage)
	return db
}

func (db *Connection) logSession() {
	if !db.IsConnected() || db.session == nil {
		return
	}
	ctx := context.Background()
	const nowait = false
	s := db.session
	var formattedEnd string
	if !s.End.IsZero() {
		formattedEnd = s.End.Format(timeFormat)
	}
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		s.ID, s.Hostname, s.Githash, s.Version, s.GoVersion,
		s.StreamName, s.SourceID, s.DeviceInfo, s.Nchannels, s.SampleRate,
		s.Start.Format(timeFormat), formattedEnd, s.ExitStatus,
	); err != nil {
		db.err = fmt.Errorf("insert into sessions: %w", err)
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.disconnect()
			return
		case cmsg := <-db.commandmsg:
			db.handleCommandMessage(cmsg)
		}
	}
}

func (db *Connection) disconnect() {
	if db.IsConnected() {
		db.session.End = time.Now()
		db.logSession()
	}
	db.conn.Close()
}

// SetExitStatus sets the exit status written with the session's final row. Call it
// before closing the abort channel.
func (db *Connection) SetExitStatus(status int) {
	if db == nil || db.session == nil {
		return
	}
	db.session.ExitStatus = status
}

// RecordCommand stores msg in the DB (if it's open). It blocks until the
// connection's handler accepts the message or abort is closed, so commands keep
// their order.
func (db *Connection) RecordCommand(msg *CommandMessage, abort <-chan struct{}) {
	if db == nil || db.commandmsg == nil || msg == nil {
		return
	}
	select {
	case db.commandmsg <- msg:
	case <-abort:
	}
}

func (db *Connection) handleCommandMessage(m *CommandMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO commands VALUES (?, ?, ?, ?)`, nowait,
		m.ID, m.SessionID, m.Command, m.Time.Format(timeFormat),
	); err != nil {
		db.err = fmt.Errorf("insert into commands: %w", err)
	}
}
