// Command unitd loads a socket unit file and runs its controller.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coreunitd/unitd/internal/config"
	"github.com/coreunitd/unitd/internal/daemon"
	"github.com/coreunitd/unitd/internal/logging"
	"github.com/coreunitd/unitd/internal/manager"
	"github.com/coreunitd/unitd/internal/socketunit"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "unitd",
		Short: "Socket-activation unit controller",
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newReexecCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the unitd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load a socket unit file and run its controller until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnit(path)
		},
	}

	cmd.Flags().StringVarP(&path, "file", "f", "", "path to a socket unit YAML file")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runUnit(path string) error {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	log := logging.New()

	mgr, err := manager.NewPollManager(log)
	if err != nil {
		return fmt.Errorf("creating manager: %w", err)
	}

	u, err := socketunit.New(cfg, mgr, log)
	if err != nil {
		return fmt.Errorf("constructing socket unit: %w", err)
	}

	d := daemon.New(mgr, log)
	d.AddUnit(u, cfg.Identity)

	if err := d.StartAll(); err != nil {
		return err
	}

	d.Run(mgr.Poll)
	return nil
}

func newReexecCmd() *cobra.Command {
	var path, statePath string

	cmd := &cobra.Command{
		Use:   "reexec",
		Short: "Resume a daemon from a serialized re-exec handoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return reexecUnit(path, statePath)
		},
	}

	cmd.Flags().StringVarP(&path, "file", "f", "", "path to a socket unit YAML file")
	cmd.Flags().StringVar(&statePath, "state", "", "path to the state file written by the outgoing process")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("state")

	return cmd
}

// reexecUnit replays a handoff written by a predecessor process
// (component C7, spec §4.7): it restores each unit's state and
// descriptors from statePath instead of starting from dead, then joins
// the same event loop runUnit would.
func reexecUnit(path, statePath string) error {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	log := logging.New()

	mgr, err := manager.NewPollManager(log)
	if err != nil {
		return fmt.Errorf("creating manager: %w", err)
	}

	u, err := socketunit.New(cfg, mgr, log)
	if err != nil {
		return fmt.Errorf("constructing socket unit: %w", err)
	}

	d := daemon.New(mgr, log)
	d.AddUnit(u, cfg.Identity)
	d.ReexecInherited = true

	f, err := os.Open(statePath)
	if err != nil {
		return fmt.Errorf("opening state %s: %w", statePath, err)
	}
	defer f.Close()

	if err := d.DeserializeAll(f, mgr.FDSet()); err != nil {
		return fmt.Errorf("restoring serialized state: %w", err)
	}

	_ = os.Remove(statePath)

	d.Run(mgr.Poll)
	return nil
}
