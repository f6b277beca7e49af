package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/screenmesh/screenmesh/internal/config"
	"github.com/screenmesh/screenmesh/internal/nat"
)

var natCmd = &cobra.Command{
	Use:   "nat",
	Short: "Probe your NAT type with STUN",
	Long: `Send binding requests to two STUN servers from one local socket and
classify the NAT from the mappings they report. A symmetric NAT means
direct connections will not work and a TURN relay is needed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return probeNAT()
	},
}

func init() {
	rootCmd.AddCommand(natCmd)
}

func probeNAT() error {
	cfg, err := config.Load(config.Options{STUNServer: flagSTUN})
	if err != nil {
		return err
	}

	servers := cfg.STUNServers
	if len(servers) < 2 {
		// The probe needs two vantage points to spot per-destination
		// mappings.
		servers = append(servers, config.DefaultSTUNAlt)
	}

	fmt.Printf("Probing via %s and %s...\n", servers[0], servers[1])

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	prober := &nat.STUNProber{Servers: servers}
	result, err := prober.Classify(ctx, "")
	if err != nil {
		return err
	}

	fmt.Printf("NAT type:        %s (confidence %d%%)\n", result.Type, result.Confidence)
	fmt.Printf("Public address:  %s:%d\n", result.PublicAddress.IP, result.PublicAddress.Port)
	fmt.Printf("Direct P2P:      %v\n", result.CanP2P)
	if result.RequiresSync {
		fmt.Println("Candidate release: synchronized")
	}
	fmt.Println(result.Recommendation)
	return nil
}
