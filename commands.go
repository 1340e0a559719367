package headstream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Operator commands. Tokens are exact and case sensitive.
const (
	CmdImpedanceOn  = "checkZOn"
	CmdImpedanceOff = "checkZOff"
	CmdResetZ       = "resetZ"
	CmdExit         = "exit"
)

// commandRequest is a command line submitted from outside the dispatcher goroutine.
type commandRequest struct {
	line  string
	reply chan error // buffered, so the dispatcher never blocks on it
}

// maxCommandLine bounds one line of command input. Longer lines are discarded
// and reported as unrecognized.
const maxCommandLine = 4096

// inputLine is one line of command input, or the error in its place.
type inputLine struct {
	text string
	err  error // ErrUnrecognizedCommand for an overlong line, or the read error that ended input
}

// readLines sends each line of r on the returned channel, which is closed at EOF
// or after a read error is sent. It gives up sending once abort is closed.
func readLines(r io.Reader, abort <-chan struct{}) <-chan inputLine {
	lines := make(chan inputLine)
	send := func(l inputLine) bool {
		select {
		case lines <- l:
			return true
		case <-abort:
			return false
		}
	}
	go func() {
		defer close(lines)
		reader := bufio.NewReaderSize(r, maxCommandLine)
		for {
			raw, err := reader.ReadSlice('\n')
			if errors.Is(err, bufio.ErrBufferFull) {
				n := len(raw)
				for errors.Is(err, bufio.ErrBufferFull) {
					raw, err = reader.ReadSlice('\n')
					n += len(raw)
				}
				if !send(inputLine{err: fmt.Errorf("%w: line of %d bytes", ErrUnrecognizedCommand, n)}) {
					return
				}
			} else if len(raw) > 0 {
				if !send(inputLine{text: string(raw)}) {
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				send(inputLine{err: fmt.Errorf("reading command input: %w", err)})
				return
			}
		}
	}()
	return lines
}
