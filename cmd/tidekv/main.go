// Command tidekv is a thin CLI wrapper around the tidekv storage engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidekv/tidekv"
)

var (
	dbDirectory    string
	flushThreshold int
	compactionSecs int
	enableCompress bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "tidekv",
		Short: "tidekv is an embedded LSM-tree key-value store",
	}

	root.PersistentFlags().StringVar(&dbDirectory, "dir", "./tidekv-data", "database directory")
	root.PersistentFlags().IntVar(&flushThreshold, "flush-threshold", 10_000, "memtable entry count that triggers a flush")
	root.PersistentFlags().IntVar(&compactionSecs, "compaction-interval", 300, "seconds between background compaction rounds (0 disables)")
	root.PersistentFlags().BoolVar(&enableCompress, "compress", false, "enable snappy compression of SSTable values")

	root.AddCommand(
		newPutCommand(),
		newGetCommand(),
		newDeleteCommand(),
		newRangeCommand(),
		newCompactCommand(),
		newStatsCommand(),
	)

	return root
}

func openEngine() (*tidekv.Engine, error) {
	var opts []tidekv.Option
	if enableCompress {
		opts = append(opts, tidekv.WithCompression())
	}
	return tidekv.Open(dbDirectory, flushThreshold, compactionSecs, opts...)
}

func newPutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.Put([]byte(args[0]), []byte(args[1])); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read a key's value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			value, ok, err := e.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "(absent)")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(value))
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.Delete([]byte(args[0])); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

func newRangeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "range <start> <end>",
		Short: "List every live key-value pair in [start, end]",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			for _, kv := range e.Range([]byte(args[0]), []byte(args[1])) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s => %s\n", kv.Key, kv.Value)
			}
			return nil
		},
	}
}

func newCompactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Run one pairwise SSTable compaction round",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.Compact(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print engine observability state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "sstables:   %d\n", e.SSTableCount())
			fmt.Fprintf(cmd.OutOrStdout(), "memtable:   %d entries\n", e.MemtableSize())
			fmt.Fprintf(cmd.OutOrStdout(), "flushing:   %v\n", e.IsFlushing())
			fmt.Fprintf(cmd.OutOrStdout(), "compacting: %v\n", e.IsCompacting())
			return nil
		},
	}
}
