package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/srediag/mask-shm/internal/shm"
	"github.com/srediag/mask-shm/pkg/mailbox"
)

func newDescribeCommand(v *viper.Viper, common bindings) *cobra.Command {
	return &cobra.Command{
		Use:   "describe [path]",
		Short: "Print the flag and payload histogram of a mailbox segment",
		Long: `describe reads a segment file without mapping it and prints its flag and
how many payload bytes are 0, 255 or anything else. The path defaults to the
configured segment name under the shared memory directory.`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return common.apply(v, cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			var path string
			if len(args) == 1 {
				path = args[0]
			} else if path, err = shm.PathFor(c.Segment.Name); err != nil {
				return err
			}
			report, err := mailbox.DescribeSegment(path, c.Segment.Layout())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.String())
			return nil
		},
	}
}
