package headstream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Exit statuses returned by Dispatcher.Run.
const (
	ExitOK             = 0 // clean shutdown
	ExitStartupFailure = 1 // device or outlet could not be set up
	ExitRunFault       = 2 // a device fault or failed command input stopped the run
	ExitWatchdog       = 3 // the workers did not stop within JoinTimeout
)

// Status is the STATUS client update, also returned by ControlService.Status.
type Status struct {
	Running           bool
	StreamName        string
	SourceID          string
	Nchannels         int
	SampleRate        float64
	ImpedanceDriverOn bool
	SamplesPushed     int64
	Started           time.Time
}

// Dispatcher owns a streaming session from startup to teardown. It connects the
// device, creates the outlet, runs the acquisition loop and impedance worker, and
// executes operator commands until told to exit.
type Dispatcher struct {
	cfg   Config
	open  DeviceOpener
	sink  Sink
	state *ControlState

	lock      sync.RWMutex // guards the fields set during startup
	dev       Device
	info      *StreamInfo
	outlet    Outlet
	forwarder *sampleForwarder
	impedance *ImpedanceWorker
	started   time.Time

	configMu sync.Mutex // serializes analog reset with impedance driver transitions

	commands   chan commandRequest
	finished   chan struct{} // closed when no more commands will be executed
	finishOnce sync.Once

	workers      sync.WaitGroup
	teardownOnce sync.Once
	closers      []io.Closer

	session  *sessionRecorder
	hardExit func(int)
}

// NewDispatcher prepares a session. Nothing is opened until Run.
func NewDispatcher(cfg Config, open DeviceOpener, sink Sink) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		open:     open,
		sink:     sink,
		state:    NewControlState(),
		commands: make(chan commandRequest),
		finished: make(chan struct{}),
		hardExit: os.Exit,
	}
}

// State returns the shared control state. Signal handlers call its RequestStop.
func (d *Dispatcher) State() *ControlState {
	return d.state
}

// SetHardExit replaces os.Exit as the function called when the workers fail to stop.
func (d *Dispatcher) SetHardExit(f func(int)) {
	d.hardExit = f
}

// AttachCloser registers c to be closed during teardown, before the device is released.
func (d *Dispatcher) AttachCloser(c io.Closer) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.closers = append(d.closers, c)
}

// Run performs startup, executes commands from input (and from Submit) until an
// exit command, EOF, or a stop request, then shuts down. It returns the process
// exit status. A nil input means commands arrive only through Submit.
func (d *Dispatcher) Run(input io.Reader) int {
	if err := d.startup(); err != nil {
		ProblemLogger.Printf("Startup failed: %v\n", err)
		d.state.RequestStop()
		d.finish()
		d.closeAttached()
		return ExitStartupFailure
	}

	acquisition := NewAcquisitionLoop(d.dev, d.state, d.cfg.AcquisitionPeriod, d.cfg.ServiceTimeout)
	d.workers.Add(2)
	go func() {
		defer d.workers.Done()
		d.impedance.Run()
	}()
	go func() {
		defer d.workers.Done()
		acquisition.Run()
	}()

	d.session = startSessionRecorder(d.cfg, d.info, d.dev)
	publishUpdate("STREAMINFO", d.info)
	d.broadcastStatus()
	UpdateLogger.Println("Streaming...")

	d.commandLoop(input)
	d.finish()
	d.state.RequestStop()

	if !d.join() {
		d.hardExit(ExitWatchdog)
		return ExitWatchdog
	}
	d.teardown()

	status := ExitOK
	if err := d.state.Err(); err != nil {
		ProblemLogger.Printf("Run ended by fault: %v\n", err)
		status = ExitRunFault
	}
	d.broadcastStatus()
	d.session.finish(status)
	UpdateLogger.Printf("Session finished with exit status %d\n", status)
	return status
}

// Submit hands one command line to the dispatcher goroutine and waits for its
// result. It returns ErrStopped if the dispatcher no longer takes commands.
func (d *Dispatcher) Submit(line string) error {
	req := commandRequest{line: line, reply: make(chan error, 1)}
	select {
	case d.commands <- req:
		return <-req.reply
	case <-d.finished:
		return ErrStopped
	}
}

// Status returns a snapshot of the session's state.
func (d *Dispatcher) Status() Status {
	d.lock.RLock()
	defer d.lock.RUnlock()
	s := Status{Running: d.state.Running(), Started: d.started}
	if d.info != nil {
		s.StreamName = d.info.Name
		s.SourceID = d.info.SourceID
		s.Nchannels = d.info.ChannelCount
		s.SampleRate = d.info.SampleRate
	}
	if d.forwarder != nil {
		s.SamplesPushed = d.forwarder.Pushed()
	}
	if d.impedance != nil {
		s.ImpedanceDriverOn = d.impedance.DriverOn()
	}
	return s
}

func (d *Dispatcher) broadcastStatus() {
	publishUpdate("STATUS", d.Status())
}

// startup connects and configures the device, creates the outlet, and starts data
// acquisition. On failure, whatever was already created is released.
func (d *Dispatcher) startup() (err error) {
	dev, err := d.open()
	if err != nil {
		return fmt.Errorf("%w: opening device: %v", ErrConnection, err)
	}
	var outlet Outlet
	defer func() {
		if err == nil {
			return
		}
		if outlet != nil {
			if derr := outlet.Destroy(); derr != nil {
				ProblemLogger.Printf("%v: destroying outlet after failed startup: %v\n", ErrResourceTeardown, derr)
			}
		}
		if cerr := dev.Close(); cerr != nil {
			ProblemLogger.Printf("%v: closing device after failed startup: %v\n", ErrResourceTeardown, cerr)
		}
	}()

	if err = dev.SetMessageCallback(logDeviceMessage); err != nil {
		return fmt.Errorf("%w: setting message callback: %v", ErrConnection, err)
	}
	if err = dev.SetVerbosity(d.cfg.Verbosity); err != nil {
		return fmt.Errorf("%w: setting verbosity: %v", ErrConnection, err)
	}
	UpdateLogger.Printf("Device API version %s loaded\n", dev.APIVersion())
	if verr := checkAPIVersion(dev); verr != nil {
		ProblemLogger.Printf("WARNING - %v\n", verr)
	}
	if err = dev.Connect(d.cfg.Port); err != nil {
		return fmt.Errorf("%w: connecting to %q: %v", ErrConnection, d.cfg.Port, err)
	}
	if err = dev.ConfigureChannels(d.cfg.Montage, d.cfg.Reference); err != nil {
		return fmt.Errorf("%w: choosing channels (montage %q, reference %q): %v", ErrConnection,
			d.cfg.Montage, d.cfg.Reference, err)
	}
	UpdateLogger.Println(dev.InfoString())

	info := NewStreamInfo(dev, d.cfg.StreamName)
	UpdateLogger.Printf("Initializing %s outlet (REF: %s)\n", info.Name, info.Reference)
	if outlet, err = d.sink.CreateOutlet(info); err != nil {
		return fmt.Errorf("%w: creating outlet: %v", ErrConnection, err)
	}
	forwarder := newSampleForwarder(outlet, info)
	if err = dev.SetSampleCallback(forwarder.onSample); err != nil {
		return fmt.Errorf("%w: setting sample callback: %v", ErrConnection, err)
	}
	UpdateLogger.Println("Starting data acquisition")
	if err = dev.StartDataAcquisition(); err != nil {
		return fmt.Errorf("%w: starting data acquisition: %v", ErrConnection, err)
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	d.dev = dev
	d.info = info
	d.outlet = outlet
	d.forwarder = forwarder
	d.impedance = NewImpedanceWorker(dev, d.state, &d.configMu, d.cfg.ImpedancePoll)
	d.started = time.Now()
	return nil
}

func (d *Dispatcher) commandLoop(input io.Reader) {
	var lines <-chan inputLine // nil (never ready) when there is no input
	if input != nil {
		lines = readLines(input, d.finished)
	}
	for d.state.Running() {
		select {
		case <-d.state.Done():
			return

		case line, ok := <-lines:
			switch {
			case !ok:
				UpdateLogger.Println("End of command input reached.")
				return
			case errors.Is(line.err, ErrUnrecognizedCommand):
				ProblemLogger.Println(line.err)
			case line.err != nil:
				ProblemLogger.Printf("Command input failed; stopping: %v\n", line.err)
				d.state.Fail(line.err)
				return
			default:
				d.execute(line.text)
			}

		case req := <-d.commands:
			req.reply <- d.execute(req.line)
		}
	}
}

// execute runs one command line on the dispatcher goroutine.
func (d *Dispatcher) execute(line string) error {
	cmd := strings.TrimSpace(line)
	switch cmd {
	case "":
		return nil

	case CmdImpedanceOn:
		d.state.RequestImpedanceStart()

	case CmdImpedanceOff:
		d.state.RequestImpedanceStop()

	case CmdResetZ:
		if err := d.analogReset(); err != nil {
			ProblemLogger.Printf("Analog reset failed; stopping: %v\n", err)
			d.state.Fail(err)
			return err
		}

	case CmdExit:
		UpdateLogger.Println("Exit requested.")
		d.state.RequestStop()

	default:
		err := fmt.Errorf("%w: %q", ErrUnrecognizedCommand, cmd)
		ProblemLogger.Println(err)
		return err
	}
	d.session.recordCommand(cmd)
	return nil
}

// analogReset runs the device's analog reset and waits for it to settle. It holds
// configMu, so it never overlaps an impedance driver transition.
func (d *Dispatcher) analogReset() error {
	d.configMu.Lock()
	defer d.configMu.Unlock()

	UpdateLogger.Println("---------Starting Analog Reset----------------")
	UpdateLogger.Printf("--> Initial analog reset mode: %d\n", d.dev.AnalogResetMode())
	if err := d.dev.StartAnalogReset(); err != nil {
		return fmt.Errorf("%w: analog reset: %v", ErrService, err)
	}
	time.Sleep(d.cfg.ResetSettle)
	UpdateLogger.Println("---------Analog Reset Complete----------------")
	return nil
}

// join waits for both workers. It returns false if they are still running after
// cfg.JoinTimeout.
func (d *Dispatcher) join() bool {
	joined := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(joined)
	}()
	UpdateLogger.Println("Waiting for acquisition and impedance workers to terminate...")
	select {
	case <-joined:
		UpdateLogger.Println("Workers have terminated.")
		return true
	case <-time.After(d.cfg.JoinTimeout):
		ProblemLogger.Printf("Workers did not terminate within %v; a device call is stuck. Forcing exit.\n",
			d.cfg.JoinTimeout)
		return false
	}
}

// teardown releases everything acquired in startup, exactly once. Failures are
// logged and do not stop the later steps.
func (d *Dispatcher) teardown() {
	d.teardownOnce.Do(func() {
		report := func(step string, err error) {
			if err != nil {
				ProblemLogger.Printf("%v: %s: %v\n", ErrResourceTeardown, step, err)
			}
		}
		if d.impedance.DriverOn() {
			report("stop impedance driver", d.dev.StopImpedanceDriver())
		}
		report("detach sample callback", d.dev.SetSampleCallback(nil))
		report("stop data acquisition", d.dev.StopDataAcquisition())
		// Long enough to receive anything sent before the stop took effect.
		report("drain device", d.dev.Service(d.cfg.DrainWindow))
		report("destroy outlet", d.outlet.Destroy())
		d.closeAttached()
		report("close device", d.dev.Close())
		UpdateLogger.Printf("Teardown complete after %d samples.\n", d.forwarder.Pushed())
	})
}

func (d *Dispatcher) closeAttached() {
	d.lock.Lock()
	closers := d.closers
	d.closers = nil
	d.lock.Unlock()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			ProblemLogger.Printf("%v: %v\n", ErrResourceTeardown, err)
		}
	}
}

func (d *Dispatcher) finish() {
	d.finishOnce.Do(func() { close(d.finished) })
}
