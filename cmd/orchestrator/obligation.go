package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/novaproto/orchestrator/internal/domain"
)

func obligationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "obligation",
		Short: "Inspect and requeue reconciliation obligations",
	}
	cmd.AddCommand(obligationInspectCmd(), obligationRequeueCmd())
	return cmd
}

func obligationInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <id>",
		Short: "Print a single obligation's state",
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
			o, err := s.GetObligation(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ID:         %s\n", o.ID)
			fmt.Printf("Type:       %s\n", o.Type)
			fmt.Printf("Resource:   %s/%s\n", o.ResourceType, o.ResourceID)
			fmt.Printf("Status:     %s\n", o.Status)
			fmt.Printf("Failures:   %d\n", o.FailureCount)
			fmt.Printf("Depends on: %v\n", o.DependsOn)
			fmt.Printf("Children:   %v\n", o.ChildrenIDs)
			if o.LastError != "" {
				fmt.Printf("Last error: %s\n", truncate(o.LastError, 200))
			}
			return nil
		},
	}
}

// obligationRequeueCmd resets a failed or stuck obligation back to Pending
// so the next engine tick picks it up, used to recover from a dependency
// that was fixed out of band (e.g. a node agent outage).
func obligationRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Reset an obligation to Pending so the engine retries it",
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
			o, err := s.UpdateObligation(ctx, args[0], func(o *domain.Obligation) error {
				o.Status = domain.ObligationPending
				o.FailureCount = 0
				o.LastError = ""
				o.NextAttemptAt = nil
				o.WaitingForSignal = ""
				o.WaitExpiry = nil
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("obligation %s requeued as %s\n", o.ID, o.Status)
			return nil
		},
	}
}
