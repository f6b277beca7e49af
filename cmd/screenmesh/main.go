package main

import (
	"github.com/screenmesh/screenmesh/cmd/screenmesh/cmd"
	"github.com/screenmesh/screenmesh/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	cmd.Execute()
}
