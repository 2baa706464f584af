package cmd

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/heptiolabs/healthcheck"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srediag/mask-shm/internal/shm"
	"github.com/srediag/mask-shm/pkg/config"
	"github.com/srediag/mask-shm/pkg/health"
	"github.com/srediag/mask-shm/pkg/mailbox"
	"github.com/srediag/mask-shm/pkg/publisher"
	"github.com/srediag/mask-shm/pkg/source"
)

// NewPublisherCommand returns the maskpub root command.
func NewPublisherCommand() *cobra.Command {
	v := config.NewViper()
	cmd := &cobra.Command{
		Use:   "maskpub",
		Short: "Publish masks into a shared memory mailbox",
		Long: `maskpub creates (or resets) the mailbox segment and hands masks to the
consumer one at a time. It waits for the consumer to release the slot before
writing the next mask, and removes the segment on exit.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
	}
	common := addCommonFlags(cmd)

	d := config.DefaultConfig()
	f := cmd.Flags()
	f.String("source", d.Publisher.Source, "mask source: pattern or dir")
	f.String("source-dir", d.Publisher.SourceDir, "directory of png/jpeg masks for --source dir")
	f.Bool("loop", d.Publisher.Loop, "restart the dir source after its last file")
	f.Duration("poll-interval", d.Publisher.PollInterval, "sleep while waiting for the consumer")
	f.Duration("fps-log-interval", d.Publisher.FPSLogInterval, "frame rate log interval (0 disables)")
	f.Bool("heartbeat", d.Publisher.Heartbeat, "maintain the liveness segment")
	f.Uint32("segment-mode", d.Segment.Mode, "permission bits of created segments, e.g. 0660")
	own := bindings{
		"publisher.source":           "source",
		"publisher.source_dir":       "source-dir",
		"publisher.loop":             "loop",
		"publisher.poll_interval":    "poll-interval",
		"publisher.fps_log_interval": "fps-log-interval",
		"publisher.heartbeat":        "heartbeat",
		"segment.mode":               "segment-mode",
	}

	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		if err := common.apply(v, cmd); err != nil {
			return err
		}
		return own.apply(v, cmd)
	}
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		a, err := load(cmd, v, "publisher")
		if err != nil {
			return err
		}
		return runPublisher(cmd.Context(), a)
	}
	cmd.AddCommand(newDescribeCommand(v, common))
	return cmd
}

func newSource(c *config.Config) (publisher.MaskSource, error) {
	layout := c.Segment.Layout()
	if c.Publisher.Source == "dir" {
		return source.NewDirSource(c.Publisher.SourceDir, layout, c.Publisher.Loop)
	}
	return source.NewPatternSource(layout)
}

func runPublisher(ctx context.Context, a *app) (err error) {
	c := a.cfg
	src, err := newSource(c)
	if err != nil {
		return pkgerrors.Wrap(err, "mask source")
	}

	mgr := mailbox.NewManager(
		mailbox.WithLogger(a.log),
		mailbox.WithPollInterval(c.Publisher.PollInterval),
		mailbox.WithMode(c.Segment.Mode),
	)
	defer func() {
		err = errors.Join(err, mgr.Close())
	}()

	opts := []publisher.Option{
		publisher.WithLogger(a.log),
		publisher.WithMetrics(a.metrics),
		publisher.WithFPSLogInterval(c.Publisher.FPSLogInterval),
	}
	// the liveness segment goes first: a consumer that finds the mailbox
	// must not find a heartbeat left by an earlier run
	if c.Publisher.Heartbeat {
		hb, err := mgr.CreateHeartbeat(ctx, c.Segment.Name)
		if err != nil {
			return err
		}
		if err := hb.Beat(0, time.Now()); err != nil {
			return err
		}
		opts = append(opts, publisher.WithHeartbeat(hb, c.Publisher.HeartbeatInterval))
	} else if err := shm.Unlink(mailbox.HeartbeatName(c.Segment.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return pkgerrors.Wrap(err, "remove stale heartbeat")
	}
	seg, err := mgr.CreateOrReset(ctx, c.Segment.Name, c.Segment.Layout())
	if err != nil {
		return err
	}
	dumper, err := a.newDumper("frame")
	if err != nil {
		return err
	}
	if dumper != nil {
		defer a.closeDumper(dumper)
		opts = append(opts, publisher.WithDumper(dumper))
	}

	pub, err := publisher.New(seg, src, opts...)
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"layout": seg.Layout().String(),
		"path":   seg.Path(),
		"run_id": pub.RunID(),
	}).Info("segment ready")

	start := time.Now()
	checks := func(h healthcheck.Handler) {
		h.AddLivenessCheck("progress", health.ProgressCheck(pub.LastProgress, c.Publisher.StaleAfter, start))
		h.AddReadinessCheck("segment", func() error {
			if seg.Closed() {
				return mailbox.ErrClosed
			}
			return nil
		})
	}
	return a.run(ctx, checks, pub.Run)
}
