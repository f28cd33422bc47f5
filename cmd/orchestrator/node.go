package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect registered nodes",
	}
	cmd.AddCommand(nodeInspectCmd(), nodeListCmd())
	return cmd
}

func nodeInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <id>",
		Short: "Print a single node's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			n, err := s.GetNode(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("ID:          %s\n", n.ID)
			fmt.Printf("Wallet:      %s\n", n.Wallet)
			fmt.Printf("Region:      %s/%s\n", n.Region, n.Zone)
			fmt.Printf("State:       %s\n", n.State)
			fmt.Printf("NAT:         %s\n", n.Hardware.NATType)
			fmt.Printf("Cores:       %d\n", n.Hardware.PhysicalCores)
			fmt.Printf("Memory:      %d / %d bytes reserved\n", n.Reserved.MemoryBytes, n.Total.MemoryBytes)
			fmt.Printf("Storage:     %d / %d bytes reserved\n", n.Reserved.StorageBytes, n.Total.StorageBytes)
			fmt.Printf("Compute:     %d / %d points reserved\n", n.Reserved.ComputePoints, n.Total.ComputePoints)
			fmt.Printf("Reputation:  uptime %.1f%% success %.1f%%\n", n.Reputation.UptimePercent, n.Reputation.SuccessRate*100)
			fmt.Printf("Tiers:       %v\n", n.Evaluation.AllowedTiers)
			fmt.Printf("Last beat:   %s ago\n", formatDuration(time.Since(n.LastHeartbeatAt)))
			fmt.Printf("System VMs:  %d obligations\n", len(n.SystemVMObligations))
			for _, o := range n.SystemVMObligations {
				fmt.Printf("  - %s: %s (vm=%s)\n", o.Role, o.Status, truncate(o.VMID, 16))
			}
			return nil
		},
	}
}

func nodeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			nodes, err := s.ListNodes(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%-20s %-12s %-10s %-20s\n", "ID", "STATE", "REGION", "WALLET")
			for _, n := range nodes {
				fmt.Printf("%-20s %-12s %-10s %-20s\n", truncate(n.ID, 20), n.State, n.Region, truncate(n.Wallet, 20))
			}
			return nil
		},
	}
}
