package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Short:  "Run the daemon of one mount",
	Long:   `Runs the daemon serving one mount. Started by 'mergerfs mount'.`,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runDaemon,
}

var (
	daemonOpts       mountFlags
	daemonBranches   string
	daemonMountpoint string
)

func init() {
	daemonOpts.bind(daemonCmd)
	daemonCmd.Flags().StringVar(&daemonBranches, "branches", "", "Branch list")
	daemonCmd.Flags().StringVar(&daemonMountpoint, "mountpoint", "", "Mount point")
	daemonCmd.MarkFlagRequired("mountpoint")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	spec, err := daemonOpts.spec(daemonBranches, daemonMountpoint)
	if err != nil {
		return err
	}
	d, err := daemonOpts.newDaemon(spec)
	if err != nil {
		return err
	}
	if err := d.Run(cmd.Context()); err != nil {
		return fmt.Errorf("daemon for %s failed: %w", spec.Mountpoint, err)
	}
	return nil
}
