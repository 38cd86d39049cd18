package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittocluster/internal/cli/output"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
	"github.com/marmos91/dittocluster/pkg/cluster/task"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and repair shared file state",
	Long: `Inspect and repair the shared file state held by the configured store.

The commands open the store directly, so they are only meaningful for the
persistent stores (badger, postgres). A badger database can only be opened by
one process: stop the node first.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List file state keys",
	Args:  cobra.NoArgs,
	RunE:  runStateList,
}

var stateGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show the shared state of a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateGet,
}

var stateClearOpLockCmd = &cobra.Command{
	Use:   "clear-oplock <key>",
	Short: "Clear a stuck oplock",
	Long: `Set the oplock type recorded for a file to None.

Use this when the node that held the oplock died before releasing it.`,
	Args: cobra.ExactArgs(1),
	RunE: runStateClearOpLock,
}

func init() {
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateGetCmd)
	stateCmd.AddCommand(stateClearOpLockCmd)
}

func runStateList(cmd *cobra.Command, args []string) error {
	printer, err := NewPrinter(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	keys, err := st.Keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	if printer.Format() != output.FormatTable {
		return printer.Print(keys)
	}

	table := output.NewTableData("KEY", "STATUS", "OPLOCK", "LOCKS", "VERSION")
	for _, key := range keys {
		s, err := st.Get(ctx, key)
		if err != nil {
			// Removed since Keys returned.
			continue
		}
		table.AddRow(s.Key, s.Status.String(), opLockName(s.OpLock), strconv.Itoa(len(s.Locks)), strconv.FormatUint(s.Version, 10))
	}
	return printer.Print(table)
}

func runStateGet(cmd *cobra.Command, args []string) error {
	printer, err := NewPrinter(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	s, err := st.Get(ctx, filestate.NormalizeKey(args[0]))
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", args[0], err)
	}

	if printer.Format() != output.FormatTable {
		return printer.Print(s)
	}
	return printer.Print(stateKeyValues(s))
}

func runStateClearOpLock(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	key := filestate.NormalizeKey(args[0])
	t := task.NewChangeOpLockType(st.Name(), key, filestate.OpLockNone, task.Options{Debug: cfg.Tasks.Debug})
	res, err := task.ExecuteChangeOpLockType(ctx, st, t)
	if err != nil {
		return fmt.Errorf("failed to clear oplock on %s: %w", key, err)
	}

	if res == filestate.OpLockTypeUnchanged {
		fmt.Fprintf(cmd.OutOrStdout(), "%s has no oplock\n", key)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Oplock cleared on %s\n", key)
	return nil
}

func stateKeyValues(s *filestate.SharedFileState) *output.KeyValues {
	kv := output.NewKeyValues().
		Add("Key", s.Key).
		Add("Status", s.Status.String()).
		Add("File ID", strconv.Itoa(int(s.FileID))).
		Add("Open count", strconv.Itoa(int(s.OpenCount))).
		Add("Oplock", opLockName(s.OpLock)).
		Add("Version", strconv.FormatUint(s.Version, 10))

	if s.OpLock != nil && s.OpLock.OwnerNode != "" {
		kv.Add("Oplock owner", s.OpLock.OwnerNode)
	}
	if len(s.Locks) > 0 {
		locks := make([]string, len(s.Locks))
		for i, l := range s.Locks {
			locks[i] = l.String()
		}
		kv.Add("Locks", strings.Join(locks, "\n"))
	}
	names := make([]string, 0, len(s.Attributes))
	for name := range s.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		kv.Add("attr:"+name, s.Attributes[name])
	}
	return kv
}

func opLockName(ol *filestate.OpLock) string {
	if ol == nil {
		return filestate.OpLockNone.String()
	}
	return ol.Type.String()
}
