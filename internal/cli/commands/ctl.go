package commands

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/pkg/xattr"
	"github.com/spf13/cobra"

	"github.com/trapexit/mergerfs-sub002/internal/vfs"
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Read and change runtime options",
	Long: `Reads and changes the runtime options of a mount through the extended
attributes of its control file (<mount-point>/.mergerfs).

Examples:
  mergerfs ctl list /mnt/pool
  mergerfs ctl get /mnt/pool category.create
  mergerfs ctl set /mnt/pool category.create mfs
  mergerfs ctl set /mnt/pool branches +>/mnt/disk3`,
}

var ctlGetCmd = &cobra.Command{
	Use:   "get <mount-point> <key>",
	Short: "Print an option",
	Args:  cobra.ExactArgs(2),
	RunE:  runCtlGet,
}

var ctlSetCmd = &cobra.Command{
	Use:   "set <mount-point> <key> <value>",
	Short: "Change an option",
	Args:  cobra.ExactArgs(3),
	RunE:  runCtlSet,
}

var ctlListCmd = &cobra.Command{
	Use:   "list <mount-point>",
	Short: "Print every option",
	Args:  cobra.ExactArgs(1),
	RunE:  runCtlList,
}

func init() {
	ctlCmd.AddCommand(ctlGetCmd)
	ctlCmd.AddCommand(ctlSetCmd)
	ctlCmd.AddCommand(ctlListCmd)
	rootCmd.AddCommand(ctlCmd)
}

func controlFile(mountpoint string) string {
	return filepath.Join(mountpoint, vfs.ControlFile)
}

// optionAttr maps an option key to its control file attribute
func optionAttr(key string) string {
	if strings.HasPrefix(key, vfs.XattrPrefix) {
		return key
	}
	return vfs.XattrPrefix + key
}

// xattrError turns the errno of a control file access into a readable error
func xattrError(op, key string, err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENODATA:
			return fmt.Errorf("%s %s: unknown option", op, key)
		case syscall.EINVAL:
			return fmt.Errorf("%s %s: invalid value or read-only option", op, key)
		case syscall.EROFS:
			return fmt.Errorf("%s %s: mount is read-only", op, key)
		}
	}
	return fmt.Errorf("failed to %s %s: %w", op, key, err)
}

func runCtlGet(cmd *cobra.Command, args []string) error {
	v, err := xattr.Get(controlFile(args[0]), optionAttr(args[1]))
	if err != nil {
		return xattrError("get", args[1], err)
	}
	fmt.Println(string(v))
	return nil
}

func runCtlSet(cmd *cobra.Command, args []string) error {
	if err := xattr.Set(controlFile(args[0]), optionAttr(args[1]), []byte(args[2])); err != nil {
		return xattrError("set", args[1], err)
	}
	return nil
}

func runCtlList(cmd *cobra.Command, args []string) error {
	ctl := controlFile(args[0])
	names, err := xattr.List(ctl)
	if err != nil {
		return fmt.Errorf("failed to list options: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		v, err := xattr.Get(ctl, name)
		if err != nil {
			continue
		}
		fmt.Printf("%s=%s\n", strings.TrimPrefix(name, vfs.XattrPrefix), v)
	}
	return nil
}
