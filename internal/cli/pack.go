package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hashprep/internal/taskgroup"
)

func (a *app) newPackCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "pack [-o container] file...",
		Short: "Pack files into one task-group container",
		Long: `pack concatenates the given files, in the given order, behind an index of
n+2 little-endian 64-bit words: the file count, the start of every file and
the end of the last one, all in words. Every file must be a whole number of
8-byte words. Without -o the container is written to stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				h   taskgroup.Header
				err error
			)
			if out == "" {
				h, err = taskgroup.Pack(a.stdout, args)
			} else {
				h, err = taskgroup.PackFile(out, args)
			}
			if err != nil {
				return err
			}
			a.logger.Info("packed",
				zap.String("output", out),
				zap.Int("files", h.Count()),
				zap.String("size", humanize.IBytes(uint64(h.Size()))),
			)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "Container path (default stdout)")
	return cmd
}

func (a *app) newInspectCommand() *cobra.Command {
	var expect int
	cmd := &cobra.Command{
		Use:   "inspect container",
		Short: "Print a container's index",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return invalidInvocationf("inspect takes exactly one container, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := taskgroup.Open(args[0])
			if err != nil {
				return err
			}
			defer c.Close()

			h := c.Header
			if cmd.Flags().Changed("expect") {
				if err := h.ExpectGroupSize(expect); err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}
			}

			fmt.Fprintf(a.stdout, "files: %d\nsize: %d (%s)\n", h.Count(), h.Size(), humanize.IBytes(uint64(h.Size())))
			tw := tabwriter.NewWriter(a.stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tSTART\tEND\tWORDS")
			for j := 0; j < h.Count(); j++ {
				start, end, err := h.Range(j)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\n", j, start, end, (end-start)/taskgroup.WordSize)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&expect, "expect", 0, "Fail unless the container holds exactly this many files")
	return cmd
}
