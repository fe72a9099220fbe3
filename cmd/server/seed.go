package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agenthands/verity/internal/core/model"
	"github.com/agenthands/verity/internal/core/permission"
)

var (
	seedTeamID   string
	seedTeamName string
)

// seedCmd creates a team that sessions can create projects, tasks and media
// under. The desk has no endpoint for root entities.
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create a team in the configured store",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedTeamID, "team", "", "team id (generated when empty)")
	seedCmd.Flags().StringVar(&seedTeamName, "name", "Newsroom", "team name")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	if seedTeamID == "" {
		seedTeamID = uuid.NewString()
	}
	team := model.Entity{
		ID:            seedTeamID,
		Type:          model.TypeTeam,
		Fields:        map[string]string{"name": seedTeamName},
		PusherChannel: model.ChannelFor(seedTeamID),
		Permissions: permission.Encode(
			permission.Action("update", model.TypeTeam),
			permission.Action("create", model.TypeProject),
			permission.Action("create", model.TypeTask),
			permission.Action("create", model.TypeProjectMedia),
		),
	}
	if err := st.SaveEntity(ctx, team); err != nil {
		return fmt.Errorf("failed to seed team: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), team.ID)
	return nil
}
