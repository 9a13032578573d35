package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/trapexit/mergerfs-sub002/internal/daemon"
)

var statCmd = &cobra.Command{
	Use:   "stat <mount-point> <path>",
	Short: "Stat a path through the daemon",
	Long: `Stats a path of the union through the daemon's dispatcher, using the
configured statx policy. This works even when the kernel mount is hung.

The path is relative to the mount root.

Examples:
  mergerfs stat /mnt/pool /movies/film.mkv`,
	Args: cobra.ExactArgs(2),
	RunE: runStat,
}

var statJSON bool

func init() {
	statCmd.Flags().BoolVar(&statJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(statCmd)
}

func runStat(cmd *cobra.Command, args []string) error {
	mountpoint, err := mountpointArg(args[0])
	if err != nil {
		return err
	}
	client, err := connect(mountpoint)
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := client.Statx(path.Clean("/" + args[1]))
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", args[1], err)
	}
	if statJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printStat(os.Stdout, st)
	return nil
}

func printStat(w io.Writer, st *daemon.StatInfo) {
	fmt.Fprintf(w, "  Path: %s\n", st.Path)
	fmt.Fprintf(w, "  Type: %s\n", fileType(st.Mode))
	fmt.Fprintf(w, "  Size: %d (%s)  Blocks: %d\n", st.Size, humanize.IBytes(st.Size), st.Blocks)
	fmt.Fprintf(w, " Inode: %d  Links: %d\n", st.Ino, st.Nlink)
	fmt.Fprintf(w, "Access: %04o  Uid: %d  Gid: %d\n", st.Mode&0o7777, st.UID, st.GID)
	fmt.Fprintf(w, "Access: %s\n", formatTime(st.Atime))
	fmt.Fprintf(w, "Modify: %s\n", formatTime(st.Mtime))
	fmt.Fprintf(w, "Change: %s\n", formatTime(st.Ctime))
	if st.Btime != 0 {
		fmt.Fprintf(w, " Birth: %s\n", formatTime(st.Btime))
	}
	for _, b := range st.Branches {
		fmt.Fprintf(w, "  Copy: %s\n", b)
	}
}

func formatTime(sec int64) string {
	t := time.Unix(sec, 0)
	return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), humanize.Time(t))
}

func fileType(mode uint32) string {
	switch mode & syscall.S_IFMT {
	case syscall.S_IFREG:
		return "regular file"
	case syscall.S_IFDIR:
		return "directory"
	case syscall.S_IFLNK:
		return "symbolic link"
	case syscall.S_IFIFO:
		return "fifo"
	case syscall.S_IFSOCK:
		return "socket"
	case syscall.S_IFCHR:
		return "character device"
	case syscall.S_IFBLK:
		return "block device"
	}
	return "unknown"
}
