// Command fabtrain trains a diagonal Gaussian flow toward a synthetic target
// with AIS bootstrapping and a replay buffer.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/btracey/fab"
	"github.com/btracey/fab/ais"
	"github.com/btracey/fab/buffer"
	"github.com/btracey/fab/distribution"
	"github.com/btracey/fab/fit"
	"github.com/btracey/fab/metrics"
	"github.com/btracey/fab/train"
)

func main() {
	app := &cli.App{
		Name:     "fabtrain",
		HelpName: "fabtrain",
		Usage:    "train a flow with annealed importance sampling bootstrap",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML settings file",
			},
			&cli.IntFlag{
				Name:  "iterations",
				Usage: "number of training steps",
				Value: 200,
			},
			&cli.Uint64Flag{
				Name:  "seed",
				Usage: "random seed, overrides the settings file",
			},
			&cli.StringFlag{
				Name:  "target",
				Usage: "target density: gauss or mixture",
				Value: "mixture",
			},
			&cli.IntFlag{
				Name:  "dim",
				Usage: "dimension of the target",
				Value: 2,
			},
			&cli.Float64Flag{
				Name:  "learning-rate",
				Usage: "gradient descent step size",
				Value: train.DefaultSettings().LearningRate,
			},
			&cli.Float64Flag{
				Name:  "max-grad-norm",
				Usage: "gradient norm clip, 0 disables clipping",
				Value: train.DefaultSettings().MaxGradNorm,
			},
			&cli.Float64Flag{
				Name:  "buffer-fraction",
				Usage: "share of each loss batch drawn from the replay buffer",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "logging level (debug, info, warn, error)",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve prometheus metrics on this address, e.g. :9090",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadSettings(ctx *cli.Context) (fab.Settings, error) {
	path := ctx.String("config")
	if path == "" {
		s := fab.DefaultSettings()
		return s, s.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return fab.Settings{}, errors.Wrap(err, "opening settings")
	}
	defer f.Close()
	return fab.LoadSettings(f)
}

func target(name string, dim int) (fab.Density, error) {
	switch name {
	case "gauss":
		mu := make([]float64, dim)
		for i := range mu {
			mu[i] = 2
		}
		return distribution.NewIsotropic(mu, 1)
	case "mixture":
		var comps []*distmv.Normal
		for _, c := range []float64{-3, 3} {
			mu := make([]float64, dim)
			mu[0] = c
			n, err := distribution.NewIsotropic(mu, 0.7)
			if err != nil {
				return nil, err
			}
			comps = append(comps, n)
		}
		return distribution.NewMixture([]float64{1, 1}, comps)
	}
	return nil, errors.Errorf("unknown target %q", name)
}

func run(ctx *cli.Context) error {
	log := logrus.New()
	level, err := logrus.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return err
	}
	log.SetLevel(level)

	s, err := loadSettings(ctx)
	if err != nil {
		return err
	}
	if ctx.IsSet("seed") {
		s.Seed = ctx.Uint64("seed")
	}
	dim := ctx.Int("dim")
	if dim < 1 {
		return errors.Errorf("dimension must be at least 1, have %d", dim)
	}
	p, err := target(ctx.String("target"), dim)
	if err != nil {
		return err
	}

	mu := make([]float64, dim)
	sigma := make([]float64, dim)
	for i := range sigma {
		sigma[i] = 3
	}
	flow := distribution.NewIndependentGaussian(mu, sigma)

	reg := prometheus.NewRegistry()
	sampler, err := ais.New(flow, p, s,
		ais.WithLogger(log.WithField("component", "ais")),
		ais.WithObserver(metrics.NewAIS(reg)),
	)
	if err != nil {
		return err
	}
	buf, err := buffer.FromSettings(s, buffer.WithLogger(log.WithField("component", "buffer")))
	if err != nil {
		return err
	}
	metrics.RegisterBuffer(reg, buf)

	ts := train.Settings{
		LearningRate:   ctx.Float64("learning-rate"),
		MaxGradNorm:    ctx.Float64("max-grad-norm"),
		BufferFraction: ctx.Float64("buffer-fraction"),
		BatchSize:      s.BatchSize,
	}
	if err := ts.Validate(); err != nil {
		return err
	}
	tr := &train.Trainer{
		Sampler:  sampler,
		Buffer:   buf,
		Loss:     s.NewLoss(),
		Model:    flow,
		Settings: ts,
		Logger:   log.WithField("component", "train"),
		Observer: metrics.NewTrainer(reg),
	}

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt)
	defer stop()

	if addr := ctx.String("metrics-addr"); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		defer func() {
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdown); err != nil {
				log.WithError(err).Error("metrics server shutdown")
			}
		}()
	}

	src := rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15)
	var skipped int
	for i := 0; i < ctx.Int("iterations"); i++ {
		r, err := tr.Step(runCtx, src)
		if err != nil {
			return err
		}
		if r.Skipped {
			skipped++
		}
	}
	fields := logrus.Fields{
		"action":    "train_done",
		"flow_mean": flow.Mean(nil),
		"skipped":   skipped,
	}

	// Moments of the target estimated from a final AIS batch.
	b, d, err := sampler.Sample(runCtx, s.BatchSize, src)
	if err != nil && !errors.Is(err, fab.ErrBatchDegenerate) {
		return err
	}
	if err == nil {
		fields["ess"] = d.ESS
		fields["log_z"] = d.LogZ
		if g, err := fit.Gaussian(b); err == nil {
			fields["target_mean"] = g.Mean(nil)
		}
	}
	log.WithFields(fields).Info("training finished")
	return nil
}
