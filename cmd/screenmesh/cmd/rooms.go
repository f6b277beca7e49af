package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/screenmesh/screenmesh/internal/ui"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List open rooms on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRooms()
	},
}

func init() {
	rootCmd.AddCommand(roomsCmd)
}

func listRooms() error {
	app, err := newAppContext()
	if err != nil {
		return err
	}
	defer app.Close()

	app.sess.ListRooms()

	select {
	case rooms := <-app.sess.RoomsList:
		ui.NewRoomTable(rooms).Render()
		return nil
	case msg := <-app.sess.Errors:
		return fmt.Errorf("%s", msg)
	case <-time.After(10 * time.Second):
		return fmt.Errorf("server did not respond")
	}
}
