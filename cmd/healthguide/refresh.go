package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/qashsolutions/healthguide-sub003/internal/gateway"
	"github.com/qashsolutions/healthguide-sub003/internal/refdata"
	"github.com/qashsolutions/healthguide-sub003/internal/ui"
)

var refreshDate string

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Pull the schedule from the backend once",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, logger, _, err := loadEnv()
		if err != nil {
			return err
		}
		defer logger.Sync()
		cfg := loader.Config()
		if cfg.CaregiverID == "" {
			return fmt.Errorf("caregiver_id is not configured")
		}

		st, ob, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		client := gateway.NewClient(gateway.ClientConfig{
			BaseURL: cfg.Server.URL,
			Token:   cfg.Server.Token,
			Timeout: cfg.Server.Timeout,
		}, logger)
		refresher := refdata.New(st, ob, client, logger)

		date := refreshDate
		if date == "" {
			date = time.Now().Format("2006-01-02")
		}
		if err := refresher.Refresh(cmd.Context(), cfg.CaregiverID, date); err != nil {
			return err
		}
		fmt.Printf("%s schedule refreshed for %s\n", ui.RenderSuccess("✓"), date)
		return nil
	},
}

func init() {
	refreshCmd.Flags().StringVar(&refreshDate, "date", "", "schedule date (YYYY-MM-DD, default today)")
}
