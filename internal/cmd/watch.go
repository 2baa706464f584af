package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srediag/mask-shm/internal/logger"
	"github.com/srediag/mask-shm/pkg/config"
	"github.com/srediag/mask-shm/pkg/consumer"
	"github.com/srediag/mask-shm/pkg/health"
	"github.com/srediag/mask-shm/pkg/mailbox"
)

// NewWatchCommand returns the maskwatch root command.
func NewWatchCommand() *cobra.Command {
	v := config.NewViper()
	cmd := &cobra.Command{
		Use:   "maskwatch",
		Short: "Consume masks from a shared memory mailbox",
		Long: `maskwatch attaches to the mailbox segment, retrying until the publisher
has created it, and releases every mask after reading it. When masks stop
arriving it reports the link as stale or lost and acts on an empty mask.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
	}
	common := addCommonFlags(cmd)

	d := config.DefaultConfig()
	f := cmd.Flags()
	f.Duration("poll-interval", d.Consumer.PollInterval, "sleep between empty polls")
	f.Duration("stale-after", d.Consumer.StaleAfter, "no mask for this long marks the link stale")
	f.Duration("lost-after", d.Consumer.LostAfter, "no heartbeat for this long marks the link lost")
	f.Duration("attach-max-elapsed", d.Consumer.AttachMaxElapsed, "give up attaching after this long (0 retries forever)")
	own := bindings{
		"consumer.poll_interval":      "poll-interval",
		"consumer.stale_after":        "stale-after",
		"consumer.lost_after":         "lost-after",
		"consumer.attach_max_elapsed": "attach-max-elapsed",
	}

	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		if err := common.apply(v, cmd); err != nil {
			return err
		}
		return own.apply(v, cmd)
	}
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		a, err := load(cmd, v, "consumer")
		if err != nil {
			return err
		}
		return runWatch(cmd.Context(), a)
	}
	cmd.AddCommand(newDescribeCommand(v, common))
	return cmd
}

func consumerConfig(c *config.Config) consumer.Config {
	return consumer.Config{
		Name:                  c.Segment.Name,
		Layout:                c.Segment.Layout(),
		PollInterval:          c.Consumer.PollInterval,
		StaleAfter:            c.Consumer.StaleAfter,
		LostAfter:             c.Consumer.LostAfter,
		AttachInitialInterval: c.Consumer.AttachInitialInterval,
		AttachMaxInterval:     c.Consumer.AttachMaxInterval,
		AttachMaxElapsed:      c.Consumer.AttachMaxElapsed,
	}
}

func runWatch(ctx context.Context, a *app) (err error) {
	mgr := mailbox.NewManager(
		mailbox.WithLogger(a.log),
		mailbox.WithPollInterval(a.cfg.Consumer.PollInterval),
	)
	defer func() {
		err = errors.Join(err, mgr.Close())
	}()

	opts := []consumer.Option{
		consumer.WithLogger(a.log),
		consumer.WithMetrics(a.metrics),
	}
	dumper, err := a.newDumper("frame")
	if err != nil {
		return err
	}
	if dumper != nil {
		defer a.closeDumper(dumper)
		opts = append(opts, consumer.WithDumper(dumper))
	}
	c, err := consumer.New(mgr, consumerConfig(a.cfg), opts...)
	if err != nil {
		return err
	}

	start := time.Now()
	checks := func(h healthcheck.Handler) {
		h.AddLivenessCheck("progress", health.ProgressCheck(c.LastFrame, a.cfg.Consumer.LostAfter, start))
		h.AddReadinessCheck("attached", func() error {
			if !c.Attached() {
				return consumer.ErrNotAttached
			}
			return nil
		})
	}
	return a.run(ctx, checks, func(ctx context.Context) error {
		return c.Run(ctx, logFrame)
	})
}

// logFrame is the reference handler: it reports the coverage of every mask.
func logFrame(ctx context.Context, f consumer.Frame) error {
	zero, set, other := mailbox.Histogram(f.Mask)
	e := logger.Entry(ctx).WithFields(logrus.Fields{
		"seq":      f.Seq,
		"state":    f.State,
		"coverage": float64(set) / float64(len(f.Mask)),
	})
	if other > 0 {
		e.WithFields(logrus.Fields{"zero": zero, "other": other}).Warn("mask is not binary")
	}
	if !f.Live {
		e.Warn("no live mask, using the safe default")
		return nil
	}
	e.Debug("mask received")
	return nil
}
