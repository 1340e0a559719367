package headstream

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
)

// ControlService is the JSON-RPC service through which remote clients send the
// same commands an operator types on standard input.
type ControlService struct {
	d *Dispatcher
}

// Command executes one command line, exactly as if read from the command input.
func (s *ControlService) Command(line *string, reply *bool) error {
	err := s.d.Submit(*line)
	*reply = (err == nil)
	return err
}

// CheckImpedance requests that the impedance driver be started (on) or stopped.
func (s *ControlService) CheckImpedance(on *bool, reply *bool) error {
	cmd := CmdImpedanceOff
	if *on {
		cmd = CmdImpedanceOn
	}
	return s.Command(&cmd, reply)
}

// ResetImpedance runs an analog reset. It returns after the reset has settled.
func (s *ControlService) ResetImpedance(dummy *string, reply *bool) error {
	cmd := CmdResetZ
	return s.Command(&cmd, reply)
}

// Exit ends the session.
func (s *ControlService) Exit(dummy *string, reply *bool) error {
	cmd := CmdExit
	return s.Command(&cmd, reply)
}

// Status replies with the session's current status.
func (s *ControlService) Status(dummy *string, reply *Status) error {
	*reply = s.d.Status()
	return nil
}

// StartRPCServer serves a ControlService for d on the given TCP port. Close the
// returned listener to stop accepting connections.
func StartRPCServer(d *Dispatcher, port int) (net.Listener, error) {
	server := rpc.NewServer()
	if err := server.Register(&ControlService{d: d}); err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("RPC server listen on port %d: %w", port, err)
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					ProblemLogger.Printf("RPC server accept error: %v\n", err)
				}
				return
			}
			UpdateLogger.Printf("New RPC connection from %s\n", conn.RemoteAddr())
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}()
	return listener, nil
}
