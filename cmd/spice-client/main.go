package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lanternops/spice-go/internal/config"
	"github.com/lanternops/spice-go/internal/logging"
	"github.com/lanternops/spice-go/internal/spice"
)

var (
	version = "0.1.0"
	cfgFile string

	serverAddress  string
	serverPort     int
	password       string
	enablePlayback bool
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "spice-client",
	Short: "A SPICE remote desktop client",
	Long:  `spice-client drives the Main, Inputs, and Playback channels of a SPICE server and exposes a small interactive console for smoke-testing the protocol by hand.`,
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a SPICE server and open the input/clipboard console",
	Run: func(cmd *cobra.Command, args []string) {
		runConnect(cmd)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("spice-client v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/spice-client/spice-client.yaml)")
	connectCmd.Flags().StringVar(&serverAddress, "address", "", "SPICE server host, or a UNIX socket path when --port=0")
	connectCmd.Flags().IntVar(&serverPort, "port", 5900, "SPICE server port (0 selects a UNIX socket at --address)")
	connectCmd.Flags().StringVar(&password, "password", "", "session password")
	connectCmd.Flags().BoolVar(&enablePlayback, "playback", true, "request the Playback channel")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runConnect(cmd *cobra.Command) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Flags override the loaded config, matching cobra's usual precedence.
	if serverAddress != "" {
		cfg.ServerAddress = serverAddress
	}
	if cmd.Flags().Changed("port") {
		cfg.ServerPort = serverPort
	}
	if password != "" {
		cfg.Password = password
	}
	if cmd.Flags().Changed("playback") {
		cfg.EnablePlayback = enablePlayback
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stdout)

	if cfg.ServerAddress == "" {
		fmt.Fprintln(os.Stderr, "connect: --address (or config server_address) is required")
		os.Exit(1)
	}

	session := spice.NewSession(nil)
	session.SetClipboardNoticePolicy(noticePolicyFor(cfg.ClipboardSelectionNotice))
	session.SetClipboardCallbacks(
		func(t spice.DataType) { log.Info("clipboard grabbed", "type", t) },
		func(t spice.DataType, data []byte) { log.Info("clipboard data", "type", t, "bytes", len(data)) },
		func() { log.Info("clipboard released") },
		func(t spice.DataType) { log.Info("clipboard requested", "type", t) },
	)
	session.SetAudioCallbacks(spice.AudioCallbacks{
		Start: func(channels, rate uint32, format spice.AudioFormat, t uint32) {
			log.Info("playback start", "channels", channels, "rate", rate, "format", format)
		},
		Data: func(payload []byte, t uint32) {
			log.Debug("playback data", "bytes", len(payload))
		},
		Stop: func() { log.Info("playback stop") },
		Mute: func(muted bool) { log.Info("playback mute", "muted", muted) },
	})

	if err := session.Connect(cfg.ServerAddress, cfg.ServerPort, cfg.Password, cfg.EnablePlayback); err != nil {
		fmt.Fprintln(os.Stderr, "connect failed:", err)
		os.Exit(1)
	}
	log.Info("connected", "address", cfg.ServerAddress, "port", cfg.ServerPort)

	go func() {
		<-session.Done()
		if err := session.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "session terminated:", err)
		}
		os.Exit(0)
	}()

	runConsole(session)
}

func noticePolicyFor(s string) spice.ClipboardNoticePolicy {
	if s == "suppress_selection_qualified" {
		return spice.NoticeSuppressSelectionQualified
	}
	return spice.NoticeAlways
}

// runConsole is a tiny line-oriented REPL for injecting events by hand:
//
//	keydown <code>   keyup <code>   mousemove <dx> <dy>   mousepress <button>
//	mouserelease <button>   clipboardgrab <type>   quit
func runConsole(s *spice.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("spice-client console ready; type 'help' for commands")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "help":
			fmt.Println("keydown <code> | keyup <code> | mousemove <dx> <dy> | mousepress <button> | mouserelease <button> | clipboardgrab <type> | quit")
		case "quit", "exit":
			s.Disconnect()
			return
		case "keydown":
			withUint32Arg(fields, 1, func(v uint32) { consoleErr(s.KeyDown(v)) })
		case "keyup":
			withUint32Arg(fields, 1, func(v uint32) { consoleErr(s.KeyUp(v)) })
		case "mousemove":
			if len(fields) < 3 {
				fmt.Println("usage: mousemove <dx> <dy>")
				continue
			}
			dx, err1 := strconv.Atoi(fields[1])
			dy, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil {
				fmt.Println("dx/dy must be integers")
				continue
			}
			consoleErr(s.MouseMotion(int32(dx), int32(dy)))
		case "mousepress":
			withUint8Arg(fields, 1, func(v uint8) { consoleErr(s.MousePress(v)) })
		case "mouserelease":
			withUint8Arg(fields, 1, func(v uint8) { consoleErr(s.MouseRelease(v)) })
		case "clipboardgrab":
			withUint32Arg(fields, 1, func(v uint32) { s.ClipboardGrab([]spice.DataType{spice.DataType(v)}) })
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func withUint32Arg(fields []string, idx int, fn func(uint32)) {
	if len(fields) <= idx {
		fmt.Println("missing argument")
		return
	}
	v, err := strconv.ParseUint(fields[idx], 10, 32)
	if err != nil {
		fmt.Println("argument must be an integer")
		return
	}
	fn(uint32(v))
}

func withUint8Arg(fields []string, idx int, fn func(uint8)) {
	if len(fields) <= idx {
		fmt.Println("missing argument")
		return
	}
	v, err := strconv.ParseUint(fields[idx], 10, 8)
	if err != nil {
		fmt.Println("argument must be an integer")
		return
	}
	fn(uint8(v))
}

func consoleErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
