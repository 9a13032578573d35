package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/trapexit/mergerfs-sub002/internal/fsck"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck [mount-point]",
	Short: "Report paths whose copies disagree across branches",
	Long: `Walks every branch of a mount and reports files that exist on more
than one branch, and copies that differ in type, size, mode, owner or
content (blake3 digest). Nothing is changed.

Branches come from the running daemon of the mount point, or from
--branches when the pool is not mounted. Patterns from --exclude and from
.mergerfsignore files in the branches are skipped.

Examples:
  mergerfs fsck /mnt/pool
  mergerfs fsck --branches /mnt/disk1:/mnt/disk2 --exclude '*.tmp'
  mergerfs fsck /mnt/pool --no-digest --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFsck,
}

var (
	fsckBranches    string
	fsckExcludes    []string
	fsckNoDigest    bool
	fsckJSON        bool
	fsckConcurrency int
)

func init() {
	fsckCmd.Flags().StringVar(&fsckBranches, "branches", "", "Colon separated branch paths (instead of a mount point)")
	fsckCmd.Flags().StringArrayVar(&fsckExcludes, "exclude", nil, "Gitignore-style pattern to skip (repeatable)")
	fsckCmd.Flags().BoolVar(&fsckNoDigest, "no-digest", false, "Skip content digests")
	fsckCmd.Flags().BoolVar(&fsckJSON, "json", false, "Print JSON")
	fsckCmd.Flags().IntVar(&fsckConcurrency, "concurrency", 4, "Files hashed in parallel")
	rootCmd.AddCommand(fsckCmd)
}

func runFsck(cmd *cobra.Command, args []string) error {
	branches, err := fsckBranchList(args)
	if err != nil {
		return err
	}

	report, err := fsck.Check(cmd.Context(), branches, fsck.Options{
		Excludes:    fsckExcludes,
		Digest:      !fsckNoDigest,
		Concurrency: fsckConcurrency,
	})
	if err != nil {
		return err
	}

	if fsckJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(os.Stdout, report)
	}
	if n := len(report.Issues); n > 0 {
		return fmt.Errorf("%d issue(s) found", n)
	}
	return nil
}

// fsckBranchList takes branches from --branches or the mount's daemon
func fsckBranchList(args []string) ([]string, error) {
	if fsckBranches != "" {
		var out []string
		for _, b := range strings.Split(fsckBranches, ":") {
			// drop =MODE and per-branch minfreespace suffixes
			if i := strings.IndexByte(b, '='); i >= 0 {
				b = b[:i]
			}
			if b != "" {
				out = append(out, b)
			}
		}
		return out, nil
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("mount point or --branches required")
	}

	mountpoint, err := mountpointArg(args[0])
	if err != nil {
		return nil, err
	}
	client, err := connect(mountpoint)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	st, err := client.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	out := make([]string, 0, len(st.Branches))
	for _, b := range st.Branches {
		out = append(out, b.Path)
	}
	return out, nil
}

func printReport(w io.Writer, r *fsck.Report) {
	for _, issue := range r.Issues {
		fmt.Fprintf(w, "%s: %s\n", issue.Kind, issue.Path)
		for _, c := range issue.Copies {
			fmt.Fprintf(w, "    %s  %04o %d:%d %s", c.Branch, c.Mode&0o7777,
				c.UID, c.GID, humanize.IBytes(uint64(max(c.Size, 0))))
			if len(c.Digest) >= 16 {
				fmt.Fprintf(w, " %s", c.Digest[:16])
			}
			fmt.Fprintln(w)
		}
	}
	fmt.Fprintf(w, "Checked %s paths on %d branches: %s issue(s)\n",
		humanize.Comma(int64(r.Scanned)), len(r.Branches), humanize.Comma(int64(len(r.Issues))))
}
