package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/xattr"
	"github.com/spf13/cobra"

	"github.com/trapexit/mergerfs-sub002/internal/vfs"
)

var infoCmd = &cobra.Command{
	Use:   "info <path>...",
	Short: "Show which branches back a path",
	Long: `Shows where a path inside a mount lives: the branch the read policy
picks, the full underlying path, and every branch holding a copy.

Examples:
  mergerfs info /mnt/pool/movies/film.mkv
  mergerfs info .`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

// infoAttrs are the per-file introspection attributes, in display order
var infoAttrs = []string{"basepath", "relpath", "fullpath", "allpaths"}

func runInfo(cmd *cobra.Command, args []string) error {
	for i, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return fmt.Errorf("failed to resolve path: %w", err)
		}
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("Path: %s\n", abs)
		for _, name := range infoAttrs {
			v, err := xattr.LGet(abs, vfs.XattrPrefix+name)
			if err != nil {
				if name == infoAttrs[0] {
					return fmt.Errorf("%s is not inside a mergerfs mount: %w", abs, err)
				}
				continue
			}
			if name == "allpaths" {
				for _, p := range splitNul(v) {
					fmt.Printf("  copy: %s\n", p)
				}
				continue
			}
			fmt.Printf("  %s: %s\n", name, v)
		}
	}
	return nil
}

// splitNul splits a NUL separated list, dropping empty elements
func splitNul(b []byte) []string {
	var out []string
	for _, s := range strings.Split(string(b), "\x00") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
