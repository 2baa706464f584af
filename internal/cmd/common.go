// Package cmd holds the cobra commands of maskpub and maskwatch.
package cmd

import (
	"context"
	"io/fs"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/mask-shm/internal/dump"
	"github.com/srediag/mask-shm/internal/logger"
	"github.com/srediag/mask-shm/pkg/config"
	"github.com/srediag/mask-shm/pkg/health"
	"github.com/srediag/mask-shm/pkg/metrics"
)

const (
	defaultEnvFile   = ".env"
	dumpCloseTimeout = 5 * time.Second
)

// app is what every command needs once flags, env and config are resolved.
type app struct {
	cfg     *config.Config
	log     *logrus.Entry
	metrics *metrics.Metrics
}

// bindings maps viper keys to flag names.
type bindings map[string]string

func (b bindings) apply(v *viper.Viper, cmd *cobra.Command) error {
	for key, name := range b {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(name)
		}
		if f == nil {
			return errors.Errorf("flag %q for %s is not defined", name, key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind %s", key)
		}
	}
	return nil
}

// addCommonFlags registers the flags shared by both roots.
func addCommonFlags(cmd *cobra.Command) bindings {
	d := config.DefaultConfig()
	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", "", "config file (yaml)")
	pf.String("env-file", defaultEnvFile, "dotenv file with MASKSHM_ overrides, ignored when missing")
	pf.String("name", d.Segment.Name, "shared memory segment name")
	pf.Int("width", d.Segment.Width, "mask width in pixels")
	pf.Int("height", d.Segment.Height, "mask height in pixels")
	pf.String("log-level", d.Log.Level, "trace, debug, info, warn or error")
	pf.String("log-format", d.Log.Format, "text or json")
	pf.String("admin-addr", d.Admin.Addr, "address for /live, /ready and /metrics (empty disables)")
	pf.String("dump-dir", d.Dump.Dir, "write every mask as png into this directory (empty disables)")
	return bindings{
		"segment.name":   "name",
		"segment.width":  "width",
		"segment.height": "height",
		"log.level":      "log-level",
		"log.format":     "log-format",
		"admin.addr":     "admin-addr",
		"dump.dir":       "dump-dir",
	}
}

// load resolves the configuration in order flags, environment, dotenv file,
// config file, defaults.
func load(cmd *cobra.Command, v *viper.Viper, component string) (*app, error) {
	cfg, err := loadConfig(cmd, v)
	if err != nil {
		return nil, err
	}
	base, err := logger.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:     cfg,
		log:     base.WithField("component", component),
		metrics: metrics.New(),
	}, nil
}

func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		// a missing default file is fine, a missing explicit one is not
		if err := godotenv.Load(envFile); err != nil && !(envFile == defaultEnvFile && errors.Is(err, fs.ErrNotExist)) {
			return nil, errors.Wrapf(err, "load %s", envFile)
		}
	}
	file, _ := cmd.Flags().GetString("config")
	return config.Load(v, file)
}

func (a *app) newDumper(prefix string) (*dump.Writer, error) {
	if a.cfg.Dump.Dir == "" {
		return nil, nil
	}
	return dump.New(a.cfg.Dump.Dir, prefix, a.cfg.Dump.Workers, a.cfg.Dump.QueueSize, a.log)
}

func (a *app) closeDumper(w *dump.Writer) {
	if w == nil {
		return
	}
	if err := w.Close(dumpCloseTimeout); err != nil {
		a.log.WithError(err).Warn("close dump writer")
	}
	written, dropped, failed := w.Stats()
	a.log.WithFields(logrus.Fields{"written": written, "dropped": dropped, "failed": failed}).Info("dump finished")
}

// run executes loop next to the admin server. The group ends when loop
// returns; the admin server is shut down then.
func (a *app) run(ctx context.Context, checks func(healthcheck.Handler), loop func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Admin.Addr != "" {
		h := health.NewHandler(a.metrics.Registry)
		checks(h)
		var mux http.Handler = health.NewMux(h, a.metrics.Handler())
		g.Go(func() error {
			return health.Serve(ctx, a.cfg.Admin.Addr, mux, a.log)
		})
	}
	g.Go(func() error {
		defer cancel()
		return loop(ctx)
	})
	return g.Wait()
}
