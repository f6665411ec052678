package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vango-dev/relay/internal/config"
	"github.com/vango-dev/relay/pkg/snapshot"
)

func snapshotCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage stored room snapshots",
		Long: `Manage the room snapshots in the configured store. These commands
talk to the store directly and do not need a running relay.

Examples:
  relay snapshot ls --snapshot-backend=s3 --snapshot-bucket=relay-snapshots
  relay snapshot rm old-room -c relay.yaml`,
	}
	config.RegisterSnapshotFlags(cmd.PersistentFlags())
	cmd.AddCommand(snapshotListCmd(g), snapshotRemoveCmd(g))
	return cmd
}

// openStore resolves the snapshot configuration for cmd. Only a
// persistent backend is accepted: a fresh memory store is always empty.
func openStore(cmd *cobra.Command, g *globalFlags) (snapshot.Store, error) {
	cfg, err := config.Load(cmd.Flags(), g.configFile)
	if err != nil {
		return nil, err
	}
	if cfg.Snapshot.Backend != config.BackendS3 {
		return nil, fmt.Errorf("snapshot backend %q is not persistent; use --snapshot-backend=s3", cfg.Snapshot.Backend)
	}
	return cfg.SnapshotStore()
}

func snapshotListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List stored snapshots",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, g)
			if err != nil {
				return err
			}
			defer store.Close()
			return listSnapshots(cmd, store)
		},
	}
}

func listSnapshots(cmd *cobra.Command, store snapshot.Store) error {
	ids, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		warn(out, "No snapshots stored")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

func snapshotRemoveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <room>...",
		Aliases: []string{"remove"},
		Short:   "Delete stored snapshots",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, g)
			if err != nil {
				return err
			}
			defer store.Close()
			return removeSnapshots(cmd, store, args)
		},
	}
}

func removeSnapshots(cmd *cobra.Command, store snapshot.Store, ids []string) error {
	for _, id := range ids {
		if err := store.Delete(cmd.Context(), id); err != nil {
			return err
		}
		success(cmd.OutOrStdout(), "Deleted snapshot %s", id)
	}
	return nil
}
