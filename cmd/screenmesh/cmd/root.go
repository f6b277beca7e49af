package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/screenmesh/screenmesh/internal/client"
	"github.com/screenmesh/screenmesh/internal/config"
	"github.com/screenmesh/screenmesh/internal/media"
	"github.com/screenmesh/screenmesh/internal/nat"
	"github.com/screenmesh/screenmesh/internal/retry"
	"github.com/screenmesh/screenmesh/internal/ui"
	"github.com/screenmesh/screenmesh/internal/version"
)

var (
	flagServer   string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "screenmesh",
	Short:   "Share your screen with a room of peers over direct WebRTC connections",
	Long:    `ScreenMesh shares one participant's screen with everyone in a room using direct peer-to-peer WebRTC connections, coordinated through a lightweight signaling server. Rooms are identified by short codes and optionally password protected.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		os.Exit(0)
	}()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "coordination server URL (ws://...)")
	rootCmd.PersistentFlags().StringVar(&flagSTUN, "stun", "", "STUN server (stun:host:port)")
	rootCmd.PersistentFlags().StringVar(&flagTURN, "turn", "", "TURN server")
	rootCmd.PersistentFlags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	rootCmd.PersistentFlags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
}

// appContext bundles everything a connected command needs.
type appContext struct {
	cfg       *config.Config
	conn      *client.Conn
	sess      *client.Session
	scheduler *retry.Scheduler
}

// newAppContext loads config, dials the server, and starts the session
// pump.
func newAppContext() (*appContext, error) {
	cfg, err := config.Load(config.Options{
		ServerURL:  flagServer,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
	})
	if err != nil {
		return nil, err
	}

	conn := client.NewConn(cfg.ServerURL)
	if err := conn.Connect(); err != nil {
		return nil, err
	}

	log := slog.Default()
	scheduler := retry.NewScheduler()
	sess := client.NewSession(conn, cfg, media.NewFactory(cfg, log), scheduler, log)
	go sess.Run(conn.Incoming())

	return &appContext{cfg: cfg, conn: conn, sess: sess, scheduler: scheduler}, nil
}

// Close tears the connection and all peer state down.
func (a *appContext) Close() {
	a.sess.Close()
	a.scheduler.Stop()
	a.conn.Close()
}

// checkConnectivity classifies this client's NAT before any negotiation
// starts. A symmetric NAT cannot hold a direct connection open, so
// without a TURN relay the attempt is doomed and the command aborts
// instead of trying.
func (a *appContext) checkConnectivity() error {
	a.sess.DetectNAT()
	select {
	case info := <-a.sess.NATDetected:
		fmt.Printf("NAT: %s (direct connections: %v)\n", info.Type, info.CanP2P)
		warning, err := connectivity(info, a.cfg.TURNServer != "")
		if warning != "" {
			fmt.Println(ui.WarningStyle.Render(warning))
		}
		return err
	case <-time.After(5 * time.Second):
		fmt.Println(ui.MutedStyle.Render("NAT detection timed out, continuing"))
		return nil
	}
}

// connectivity decides whether negotiation is worth attempting for the
// detected NAT type.
func connectivity(info *nat.Classification, turnConfigured bool) (warning string, err error) {
	switch {
	case info.CanP2P:
		return "", nil
	case turnConfigured:
		return fmt.Sprintf("NAT type %s blocks direct connections; traffic will relay through TURN", info.Type), nil
	default:
		return "", fmt.Errorf("NAT type %s blocks direct connections; configure a relay with --turn", info.Type)
	}
}
