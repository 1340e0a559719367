package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/usnistgov/headstream"
	"github.com/usnistgov/headstream/headset"
	"github.com/usnistgov/headstream/internal/sessiondb"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper says where to find config files, binds the command-line flags, and
// reads the config file (creating an empty one if needed).
func setupViper(flags *pflag.FlagSet) error {
	headstream.SetConfigDefaults(viper.GetViper())
	viper.SetDefault("simulator.sample-rate", 300.0)
	viper.SetDefault("simulator.impedance-latency", 300*time.Millisecond)
	viper.SetDefault("simulator.reset-latency", 50*time.Millisecond)
	if err := viper.BindPFlags(flags); err != nil {
		return err
	}
	if err := viper.BindPFlag("database.enabled", flags.Lookup("db")); err != nil {
		return err
	}

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotHeadstream := filepath.Join(HOME, ".headstream")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotHeadstream, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/headstream"))
	viper.AddConfigPath(dotHeadstream)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

// startLogger returns a logger writing to a rotating file at pfname and also to console.
func startLogger(pfname string, console io.Writer) *log.Logger {
	return log.New(io.MultiWriter(console, &lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}), "", log.LstdFlags)
}

func main() {
	buildDate = strings.ReplaceAll(buildDate, ".", " ") // workaround for Make problems
	headstream.Build.Date = buildDate
	headstream.Build.Githash = githash
	headstream.Build.Gitdate = gitdate
	headstream.Build.Summary = fmt.Sprintf("headstream version %s (git commit %s of %s)",
		headstream.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		headstream.Build.Host = host
	} else {
		headstream.Build.Host = "host not detected"
	}

	flags := pflag.NewFlagSet("headstream", pflag.ExitOnError)
	printVersion := flags.Bool("version", false, "print version and quit")
	pingDB := flags.Bool("ping-db", false, "check that the session database is reachable and quit")
	flags.String("port", "", "serial port (endpoint) of the headset")
	flags.String("montage", "", "electrodes to stream, separated by spaces or commas (default all)")
	flags.String("reference", "", "reference electrode (default the headset's own)")
	flags.Int("verbosity", 2, "device message verbosity")
	flags.String("stream-name", "WS-default", "name of the output stream")
	flags.Duration("acquisition-period", 2*time.Millisecond, "sleep between device service calls")
	flags.Duration("impedance-poll", 20*time.Millisecond, "how often to check for impedance requests")
	flags.String("record-dir", "", "also record every sample to a .npy file in this directory")
	flags.Int("base-port", 5600, "TCP port of the RPC server; status and data use the next two")
	flags.Bool("rpc", true, "serve the JSON-RPC control interface")
	flags.Bool("db", false, "record sessions in the ClickHouse session database")
	flags.BoolP("verbose", "v", false, "dump the full configuration at startup")
	flags.Parse(os.Args[1:])

	if *printVersion {
		fmt.Printf("This is headstream version %s\n", headstream.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Built against device API version %s\n", headstream.DeviceAPIVersion)
		os.Exit(headstream.ExitOK)
	}

	banner := fmt.Sprintf("\nThis is headstream version %s (git commit %s)\n", headstream.Build.Version, githash)
	fmt.Print(banner)

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".headstream", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	headstream.ProblemLogger = startLogger(problemname, os.Stderr)
	headstream.UpdateLogger = startLogger(logname, os.Stdout)
	fmt.Printf("Logging problems to %s\n", problemname)
	fmt.Printf("Logging updates  to %s\n\n", logname)
	headstream.UpdateLogger.Printf("\n\n\n\n%s", banner)

	if err := setupViper(flags); err != nil {
		headstream.ProblemLogger.Println(err)
		os.Exit(headstream.ExitStartupFailure)
	}
	cfg, err := headstream.LoadConfig(viper.GetViper())
	if err != nil {
		headstream.ProblemLogger.Printf("Bad configuration: %v\n", err)
		os.Exit(headstream.ExitStartupFailure)
	}
	headstream.UpdateLogger.Printf("headstream is using config file %s\n", viper.ConfigFileUsed())
	if cfg.Verbose {
		headstream.UpdateLogger.Print(spew.Sdump(cfg))
	}

	if *pingDB {
		version, err := sessiondb.PingServer(cfg.DatabaseAddr)
		if err != nil {
			fmt.Println(err)
			os.Exit(headstream.ExitStartupFailure)
		}
		fmt.Printf("ClickHouse server is alive. Version:\n%s\n", version)
		os.Exit(headstream.ExitOK)
	}

	os.Exit(run(cfg))
}

// run streams until the operator exits, returning the process exit status.
func run(cfg headstream.Config) int {
	headstream.SetPortnumbers(cfg.BasePort)

	abort := make(chan struct{})
	defer close(abort)
	go func() {
		if err := headstream.RunClientUpdater(headstream.Ports.Status, abort); err != nil {
			headstream.ProblemLogger.Printf("Client updater failed: %v\n", err)
		}
	}()

	var sink headstream.Sink = headstream.NewZMQSink(headstream.Ports.Data)
	if cfg.RecordDirectory != "" {
		sink = headstream.TeeSink{sink, &headstream.NPYSink{Directory: cfg.RecordDirectory}}
	}
	open := headset.Opener(headset.Config{
		SampleRate:       viper.GetFloat64("simulator.sample-rate"),
		ImpedanceLatency: viper.GetDuration("simulator.impedance-latency"),
		ResetLatency:     viper.GetDuration("simulator.reset-latency"),
	})
	var sim *headset.Simulator // kept for the verbose dump at exit
	opener := func() (headstream.Device, error) {
		dev, err := open()
		sim, _ = dev.(*headset.Simulator)
		return dev, err
	}
	dispatcher := headstream.NewDispatcher(cfg, opener, sink)

	if cfg.RPC {
		listener, err := headstream.StartRPCServer(dispatcher, headstream.Ports.RPC)
		if err != nil {
			headstream.ProblemLogger.Println(err)
			return headstream.ExitStartupFailure
		}
		dispatcher.AttachCloser(listener)
		headstream.UpdateLogger.Printf("Serving JSON-RPC control on port %d\n", headstream.Ports.RPC)
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)
	go func() {
		select {
		case sig := <-interrupts:
			headstream.UpdateLogger.Printf("Caught signal %v; stopping.\n", sig)
			dispatcher.State().RequestStop()
		case <-abort:
		}
	}()

	headstream.UpdateLogger.Printf("Streaming sample data on port %d, status on port %d\n",
		headstream.Ports.Data, headstream.Ports.Status)
	headstream.UpdateLogger.Printf("Commands: %s, %s, %s, %s\n", headstream.CmdImpedanceOn,
		headstream.CmdImpedanceOff, headstream.CmdResetZ, headstream.CmdExit)
	status := dispatcher.Run(os.Stdin)
	if cfg.Verbose && sim != nil {
		headstream.UpdateLogger.Printf("Final headset state:\n%s", sim.Inspect())
	}
	return status
}
