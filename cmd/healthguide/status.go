package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/qashsolutions/healthguide-sub003/internal/store"
	"github.com/qashsolutions/healthguide-sub003/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show today's visits and the sync queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, logger, _, err := loadEnv()
		if err != nil {
			return err
		}
		defer logger.Sync()
		cfg := loader.Config()

		st, ob, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		archived := false
		assignments, err := st.FindAssignments(cmd.Context(), store.AssignmentFilter{
			CaregiverID: cfg.CaregiverID,
			Archived:    &archived,
		})
		if err != nil {
			return err
		}

		fmt.Println(ui.RenderTitle("Visits"))
		if len(assignments) == 0 {
			fmt.Println(ui.RenderMuted("  none scheduled"))
		}
		for _, a := range assignments {
			window := fmt.Sprintf("%s-%s",
				a.WindowStart.Local().Format("15:04"),
				a.WindowEnd.Local().Format(time.Kitchen))
			fmt.Printf("  %s  %-12s %-11s [%s]\n",
				a.LocalID, window, a.Status, ui.RenderSyncState(a.SyncState))
		}

		stats, err := ob.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println(ui.RenderTitle("Sync queue"))
		fmt.Printf("  pending %d  in-flight %d  synced %d  failed %d\n",
			stats.Pending, stats.InFlight, stats.Synced, stats.Failed)
		if stats.Failed > 0 {
			fmt.Println(ui.RenderWarning("  failed mutations need attention: healthguide outbox list"))
		}
		return nil
	},
}
