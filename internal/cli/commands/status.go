package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/trapexit/mergerfs-sub002/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status [mount-point...]",
	Short: "Show running mounts",
	Long: `Shows every running mount, or only the given mount points, with their
branches, free space and open handles.`,
	RunE: runStatus,
}

var reloadCmd = &cobra.Command{
	Use:   "reload <mount-point>",
	Short: "Reload settings and mount config",
	Long: `Asks the daemon to re-read settings.yaml and its mount config file and
apply every runtime option that changed. Mount-only options such as
fsname or allow_other need a remount. Sending SIGHUP to the daemon has the
same effect.`,
	Args: cobra.ExactArgs(1),
	RunE: runReload,
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reloadCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	var statuses []*daemon.MountStatus
	if len(args) > 0 {
		for _, arg := range args {
			mountpoint, err := mountpointArg(arg)
			if err != nil {
				return err
			}
			client, err := connect(mountpoint)
			if err != nil {
				return err
			}
			st, err := client.Status()
			client.Close()
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			statuses = append(statuses, st)
		}
	} else {
		socks, err := filepath.Glob(filepath.Join(daemon.RunDir(), "*.sock"))
		if err != nil {
			return err
		}
		for _, sock := range socks {
			client, err := daemon.Connect(sock)
			if err != nil {
				continue
			}
			st, err := client.Status()
			client.Close()
			if err == nil {
				statuses = append(statuses, st)
			}
		}
		sort.Slice(statuses, func(i, j int) bool {
			return statuses[i].Mountpoint < statuses[j].Mountpoint
		})
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}
	if len(statuses) == 0 {
		fmt.Println("No active mounts")
		return nil
	}
	for _, st := range statuses {
		printStatus(os.Stdout, st)
	}
	return nil
}

func printStatus(w io.Writer, st *daemon.MountStatus) {
	fmt.Fprintf(w, "%s (PID %d, up since %s)\n", st.Mountpoint, st.PID,
		humanize.Time(time.Unix(st.StartedAt, 0)))
	if st.ReadOnly {
		fmt.Fprintln(w, "  read-only")
	}
	if st.NFSAddr != "" {
		fmt.Fprintf(w, "  nfs: %s\n", st.NFSAddr)
	}
	if st.MetricsAddr != "" {
		fmt.Fprintf(w, "  metrics: %s\n", st.MetricsAddr)
	}
	for _, b := range st.Branches {
		if b.Error != "" {
			fmt.Fprintf(w, "  %s=%s  error: %s\n", b.Path, b.Mode, b.Error)
			continue
		}
		line := fmt.Sprintf("  %s=%s  %s free of %s", b.Path, b.Mode,
			humanize.IBytes(b.Available), humanize.IBytes(b.Total))
		if b.MinFreeSpace > 0 {
			line += fmt.Sprintf(", min %s", humanize.IBytes(b.MinFreeSpace))
		}
		if b.ReadOnly {
			line += ", fs read-only"
		}
		fmt.Fprintln(w, line)
	}
	if n := len(st.Handles); n > 0 {
		fmt.Fprintf(w, "  %d open handle(s)\n", n)
		for _, h := range st.Handles {
			kind := "file"
			if h.IsDir {
				kind = "dir"
			}
			fmt.Fprintf(w, "    #%d %s %s", h.ID, kind, h.Path)
			if h.Basepath != "" {
				fmt.Fprintf(w, " -> %s", h.Basepath)
			}
			fmt.Fprintln(w)
		}
	}
}

func runReload(cmd *cobra.Command, args []string) error {
	mountpoint, err := mountpointArg(args[0])
	if err != nil {
		return err
	}
	client, err := connect(mountpoint)
	if err != nil {
		return err
	}
	defer client.Close()

	msg, err := client.ReloadConfig()
	if err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Println(msg)
	return nil
}
