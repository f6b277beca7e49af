package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/screenmesh/screenmesh/internal/session"
	"github.com/screenmesh/screenmesh/internal/ui"
)

var (
	flagJoinNickname string
	flagJoinPassword string
)

var joinCmd = &cobra.Command{
	Use:   "join ROOM_CODE",
	Short: "Join a room and watch the shared screen",
	Long: `Join an existing room by its code.

Examples:
  screenmesh join AB3CD7 --nickname bob
  screenmesh join AB3CD7 --nickname bob --password 1234`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinRoom(strings.ToUpper(args[0]))
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagJoinNickname, "nickname", "", "your display name (required)")
	joinCmd.Flags().StringVar(&flagJoinPassword, "password", "", "room password")
	joinCmd.MarkFlagRequired("nickname")
	rootCmd.AddCommand(joinCmd)
}

func joinRoom(roomID string) error {
	app, err := newAppContext()
	if err != nil {
		return err
	}
	defer app.Close()

	app.sess.JoinRoom(roomID, flagJoinNickname, flagJoinPassword)

	var room *session.RoomSnapshot
	select {
	case room = <-app.sess.RoomJoined:
	case msg := <-app.sess.Errors:
		return fmt.Errorf("%s", msg)
	case <-time.After(10 * time.Second):
		return fmt.Errorf("server did not respond to join")
	}

	fmt.Printf("Joined %q (%d/%d members)\n", room.Name, len(room.Members), room.MaxMembers)
	ui.NewMemberTable(room.Members).Render()

	if err := app.checkConnectivity(); err != nil {
		return err
	}

	fmt.Println("\nWaiting for streams (Ctrl+C to leave)")
	watchRoom(app)
	return nil
}
