package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgedlt/dbft/simnet"
)

type runOptions struct {
	validators int
	seed       int64
	blockTime  time.Duration
	tick       time.Duration
	duration   time.Duration
	heights    uint32
	loss       float64
	replay     float64
	crash      []int
	realtime   bool
	httpAddr   string
	log        logOptions
}

func runCommand() *cobra.Command {
	var o runOptions
	c := &cobra.Command{
		Use:   "run",
		Short: "Run a simulated validator network in-process",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return runSim(c.Context(), c.OutOrStdout(), o)
		},
	}
	f := c.Flags()
	f.IntVar(&o.validators, "validators", 4, "number of validators")
	f.Int64Var(&o.seed, "seed", 42, "seed for packet loss and replay")
	f.DurationVar(&o.blockTime, "block-time", time.Second, "block time and base view timeout")
	f.DurationVar(&o.tick, "tick", 100*time.Millisecond, "simulated time advanced per step")
	f.DurationVar(&o.duration, "duration", 10*time.Minute, "simulated time limit, 0 for none")
	f.Uint32Var(&o.heights, "heights", 10, "stop once every live node committed this height, 0 to run until interrupted")
	f.Float64Var(&o.loss, "packet-loss", 0, "probability of dropping a delivery")
	f.Float64Var(&o.replay, "replay", 0, "probability of delivering a payload twice")
	f.IntSliceVar(&o.crash, "crash", nil, "validators that start crashed")
	f.BoolVar(&o.realtime, "realtime", false, "pace simulated time with the wall clock")
	f.StringVar(&o.httpAddr, "http", "", "serve the inspection API and /metrics on this address")
	o.log.addFlags(f)
	return c
}

func runSim(ctx context.Context, out io.Writer, o runOptions) error {
	if o.tick <= 0 {
		return errors.New("tick must be positive")
	}
	if o.heights == 0 && o.duration == 0 && o.httpAddr == "" {
		return errors.New("one of --heights, --duration or --http is required")
	}

	logger, closeLog, err := newLogger(o.log)
	if err != nil {
		return err
	}
	defer closeLog()

	reg := prometheus.NewRegistry()
	cfg := simnet.DefaultConfig()
	cfg.Validators = o.validators
	cfg.Seed = o.seed
	cfg.BlockTime = o.blockTime
	cfg.PacketLoss = o.loss
	cfg.ReplayProbability = o.replay
	cfg.Logger = logger
	cfg.Registerer = reg

	net, err := simnet.New(cfg)
	if err != nil {
		return err
	}
	defer net.Close()

	net.SetOnEvent(func(e simnet.Event) { logEvent(logger, e) })
	for _, id := range o.crash {
		if err := net.Crash(id); err != nil {
			return err
		}
	}
	if err := net.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if o.httpAddr != "" {
		srv := &http.Server{
			Addr:              o.httpAddr,
			Handler:           newServer(net, reg, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving inspection API", zap.String("addr", o.httpAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		if err := simulate(gctx, net, o); err != nil {
			return err
		}
		if o.httpAddr != "" {
			// Keep the API up for inspection until interrupted.
			<-gctx.Done()
		}
		return nil
	})
	runErr := g.Wait()

	st := net.State()
	writeSummary(out, st)
	if runErr != nil {
		return runErr
	}
	if len(st.Violations) > 0 {
		return fmt.Errorf("%d safety violations", len(st.Violations))
	}
	return nil
}

// simulate advances the network until the target height, the time limit or
// cancellation.
func simulate(ctx context.Context, net *simnet.Network, o runOptions) error {
	var elapsed time.Duration
	for {
		if o.heights > 0 && net.Reached(o.heights) {
			return nil
		}
		if o.duration > 0 && elapsed >= o.duration {
			if o.heights > 0 {
				return fmt.Errorf("height %d not reached after %s", o.heights, o.duration)
			}
			return nil
		}
		if err := net.Advance(o.tick); err != nil {
			return err
		}
		elapsed += o.tick

		if o.realtime {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(o.tick):
			}
		} else if ctx.Err() != nil {
			return nil
		}
	}
}

func logEvent(logger *zap.Logger, e simnet.Event) {
	fields := []zap.Field{
		zap.String("type", string(e.Type)),
		zap.Int("node", e.NodeID),
		zap.Uint64("time", e.Time),
	}
	if e.Height != 0 {
		fields = append(fields, zap.Uint32("height", e.Height))
	}
	switch e.Type {
	case simnet.EventViolation:
		logger.Error(e.Description, fields...)
	case simnet.EventCommit, simnet.EventNodeCrash, simnet.EventNodeRecover, simnet.EventPartition:
		logger.Info(e.Description, fields...)
	default:
		logger.Debug(e.Description, fields...)
	}
}

func writeSummary(out io.Writer, st simnet.State) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "NODE\tADDRESS\tSTATUS\tHEIGHT\tVIEW\tPHASE\tBLOCKS\n")
	for _, n := range st.Nodes {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%d\n",
			n.ID, n.Address, n.Status, n.Height, n.View, n.Phase, n.BlockCount)
	}
	_ = tw.Flush()

	fmt.Fprintf(out, "\nclock=%dms messages sent=%d dropped=%d replayed=%d rejected=%d\n",
		st.SimTime,
		st.Stats.MessagesSent, st.Stats.MessagesDropped,
		st.Stats.MessagesReplayed, st.Stats.MessagesRejected)
	for _, v := range st.Violations {
		fmt.Fprintf(out, "VIOLATION %s node=%d height=%d: %s\n", v.Type, v.NodeID, v.Height, v.Description)
	}
}
