package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qashsolutions/healthguide-sub003/internal/ui"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and resolve the mutation queue",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed mutations awaiting resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, logger, _, err := loadEnv()
		if err != nil {
			return err
		}
		defer logger.Sync()

		st, ob, err := openStore(cmd.Context(), loader.Config(), logger)
		if err != nil {
			return err
		}
		defer st.Close()

		failed, err := ob.ListFailed(cmd.Context())
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			fmt.Println(ui.RenderSuccess("no failed mutations"))
			return nil
		}
		for _, rec := range failed {
			fmt.Printf("%s  %s %s %s (attempts %d)\n",
				ui.RenderError(rec.ID), rec.Op, rec.EntityType, rec.EntityID, rec.Attempts)
			if rec.LastError != "" {
				fmt.Printf("    %s\n", ui.RenderMuted(rec.LastError))
			}
		}
		return nil
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <mutation-id>",
	Short: "Re-queue a failed mutation for immediate delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, logger, _, err := loadEnv()
		if err != nil {
			return err
		}
		defer logger.Sync()

		st, ob, err := openStore(cmd.Context(), loader.Config(), logger)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := ob.Retry(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s %s re-queued\n", ui.RenderSuccess("✓"), args[0])
		return nil
	},
}

var outboxAckCmd = &cobra.Command{
	Use:   "ack <mutation-id>",
	Short: "Acknowledge a failed mutation, unblocking the entity's queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, logger, _, err := loadEnv()
		if err != nil {
			return err
		}
		defer logger.Sync()

		st, ob, err := openStore(cmd.Context(), loader.Config(), logger)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := ob.Acknowledge(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s %s acknowledged\n", ui.RenderSuccess("✓"), args[0])
		return nil
	},
}

func init() {
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxRetryCmd)
	outboxCmd.AddCommand(outboxAckCmd)
}
