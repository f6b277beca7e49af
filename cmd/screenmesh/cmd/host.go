package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/screenmesh/screenmesh/internal/media"
	"github.com/screenmesh/screenmesh/internal/session"
	"github.com/screenmesh/screenmesh/internal/signaling"
)

var (
	flagRoomName   string
	flagNickname   string
	flagPassword   string
	flagMaxMembers int
	flagSource     string
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Create a room and share your screen",
	Long: `Create a room on the coordination server and start sharing.

Examples:
  screenmesh host --nickname alice
  screenmesh host --nickname alice --name "design review" --password 1234
  screenmesh host --nickname alice --source "Display 2"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return hostRoom()
	},
}

func init() {
	hostCmd.Flags().StringVar(&flagRoomName, "name", "shared screen", "room name")
	hostCmd.Flags().StringVar(&flagNickname, "nickname", "", "your display name (required)")
	hostCmd.Flags().StringVar(&flagPassword, "password", "", "room password (4-20 alphanumeric)")
	hostCmd.Flags().IntVar(&flagMaxMembers, "max-members", 0, "room capacity (2-50)")
	hostCmd.Flags().StringVar(&flagSource, "source", "Display 1", "capture source name")
	hostCmd.MarkFlagRequired("nickname")
	rootCmd.AddCommand(hostCmd)
}

func hostRoom() error {
	app, err := newAppContext()
	if err != nil {
		return err
	}
	defer app.Close()

	app.sess.CreateRoom(flagRoomName, flagNickname, flagPassword, flagMaxMembers)

	var room *session.RoomSnapshot
	select {
	case room = <-app.sess.RoomCreated:
	case msg := <-app.sess.Errors:
		return fmt.Errorf("%s", msg)
	case <-time.After(10 * time.Second):
		return fmt.Errorf("server did not respond to room creation")
	}

	fmt.Printf("Room created: %s\n", room.ID)
	fmt.Printf("Others can join with: screenmesh join %s --nickname <name>\n\n", room.ID)

	if err := app.checkConnectivity(); err != nil {
		return err
	}

	track, err := media.NewScreenTrack("screen-" + room.ID)
	if err != nil {
		return err
	}
	app.sess.StartSharing(signaling.StartSharingRequest{
		SourceName: flagSource,
		SourceKind: "screen",
		Width:      1920,
		Height:     1080,
		FrameRate:  30,
	}, track)
	fmt.Printf("Sharing %q — waiting for viewers (Ctrl+C to stop)\n", flagSource)

	watchRoom(app)
	return nil
}

// watchRoom prints membership and connection events until the server
// connection drops.
func watchRoom(app *appContext) {
	for {
		select {
		case info := <-app.sess.NATDetected:
			fmt.Printf("NAT: %s (direct connections: %v)\n", info.Type, info.CanP2P)
		case user := <-app.sess.UserJoined:
			fmt.Printf("%s joined\n", user.Nickname)
		case userID := <-app.sess.UserLeft:
			fmt.Printf("%s left\n", userID)
		case stream := <-app.sess.SharingStarted:
			fmt.Printf("%s is sharing %q (%s @ %d fps)\n", stream.Nickname, stream.SourceName, stream.Resolution, stream.FPS)
		case streamID := <-app.sess.SharingStopped:
			fmt.Printf("share %s ended\n", streamID)
		case track := <-app.sess.Tracks:
			fmt.Printf("receiving %s stream %s\n", track.Kind(), track.ID())
		case peerID := <-app.sess.Restarts:
			fmt.Printf("reconnecting to %s...\n", peerID)
		case msg := <-app.sess.Errors:
			fmt.Printf("error: %s\n", msg)
		}
	}
}
