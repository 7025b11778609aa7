package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgedlt/dbft"
	"github.com/edgedlt/dbft/internal/settings"
	"github.com/edgedlt/dbft/store"
	"github.com/edgedlt/dbft/transport/gossip"
)

const peerRetryInterval = 10 * time.Second

type nodeOptions struct {
	config   string
	httpAddr string
}

func nodeCommand() *cobra.Command {
	var o nodeOptions
	c := &cobra.Command{
		Use:   "node",
		Short: "Run a validator over libp2p gossip",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return runNode(c.Context(), o)
		},
	}
	c.Flags().StringVarP(&o.config, "config", "c", "dbft.yaml", "settings file")
	c.Flags().StringVar(&o.httpAddr, "http", "", "serve /metrics and /api/stats on this address")
	return c
}

// validator ties a Node to its store and transport. Commits arrive on the
// node goroutine and are handled by commitLoop, which starts the next height.
type validator struct {
	node      *dbft.Node
	db        *store.Store
	transport *gossip.Transport
	logger    *zap.Logger
	blockTime time.Duration
	commits   chan dbft.BlockCommitted
}

func runNode(ctx context.Context, o nodeOptions) error {
	s, err := settings.Load(o.config)
	if err != nil {
		return err
	}
	if s.PrivateKey == "" {
		return fmt.Errorf("%w: private_key is required to run a validator", dbft.ErrConfig)
	}

	logger, closeLog, err := newLogger(logOptions{
		level:      s.Log.Level,
		file:       s.Log.File,
		maxSizeMB:  s.Log.MaxSizeMB,
		maxBackups: s.Log.MaxBackups,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	db, err := store.Open(s.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	metrics, err := dbft.NewMetrics(reg)
	if err != nil {
		return err
	}

	opts, err := s.Options()
	if err != nil {
		return err
	}
	opts = append(opts,
		dbft.WithStore(db),
		dbft.WithLogger(logger),
		dbft.WithMetrics(metrics),
	)
	cfg, err := dbft.NewConfig(opts...)
	if err != nil {
		return err
	}

	tr, err := gossip.New(ctx, gossip.Config{
		Network:     s.Network,
		ListenAddrs: s.P2P.Listen,
		Logger:      logger.Named("gossip"),
	})
	if err != nil {
		return err
	}
	defer tr.Close()
	logger.Info("p2p host started",
		zap.Stringer("id", tr.ID()),
		zap.Any("addrs", tr.AddrInfo().Addrs))

	v := &validator{
		db:        db,
		transport: tr,
		logger:    logger,
		blockTime: s.BlockTime,
		commits:   make(chan dbft.BlockCommitted, 16),
	}
	v.node, err = dbft.NewNode(cfg, dbft.EventSinkFunc(v.emit), nil)
	if err != nil {
		return err
	}
	if err := v.node.Start(); err != nil {
		return err
	}
	defer v.node.Stop()
	tr.Start(v.node.Submit)

	peers, err := parsePeers(s.P2P.Peers)
	if err != nil {
		return err
	}

	height, prev, err := v.resumePoint()
	if err != nil {
		return err
	}
	logger.Info("starting consensus", zap.Uint32("height", height), zap.Stringer("prev", prev))
	if err := v.node.StartRound(ctx, height, uint64(time.Now().UnixMilli()), prev, 0); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return v.commitLoop(gctx) })
	g.Go(func() error { return v.connectLoop(gctx, peers) })
	if o.httpAddr != "" {
		srv := &http.Server{
			Addr:              o.httpAddr,
			Handler:           v.router(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
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
	return g.Wait()
}

// resumePoint returns the height after the last stored block.
func (v *validator) resumePoint() (uint32, dbft.Hash, error) {
	height, hash, ok, err := v.db.Head()
	if err != nil {
		return 0, dbft.Hash{}, err
	}
	if !ok {
		return 1, dbft.Hash{}, nil
	}
	return height + 1, hash, nil
}

// emit runs on the node goroutine and must not call back into the Node.
func (v *validator) emit(e dbft.Event) {
	switch e := e.(type) {
	case dbft.BroadcastMessage:
		v.transport.Emit(e)
	case dbft.BlockCommitted:
		select {
		case v.commits <- e:
		default:
			v.logger.Error("commit queue full", zap.Uint32("height", e.BlockIndex))
		}
	case dbft.ViewChanged:
		v.logger.Info("view changed",
			zap.Uint32("height", e.BlockIndex),
			zap.Uint8("old_view", e.OldView),
			zap.Uint8("new_view", e.NewView))
	case dbft.RequestTransactions:
		v.logger.Debug("transactions requested",
			zap.Uint32("height", e.BlockIndex),
			zap.Int("count", len(e.Hashes)))
	}
}

// commitLoop persists committed blocks and starts the next height once
// the block time since the committed block has passed.
func (v *validator) commitLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-v.commits:
			if err := v.db.PutBlock(c.BlockIndex, c.BlockHash); err != nil {
				return fmt.Errorf("store block %d: %w", c.BlockIndex, err)
			}
			v.logger.Info("block committed",
				zap.Uint32("height", c.BlockIndex),
				zap.Stringer("hash", c.BlockHash),
				zap.Uint8("view", c.BlockData.ViewNumber),
				zap.Int("signatures", len(c.BlockData.Signatures)))

			next := time.UnixMilli(int64(c.BlockData.Timestamp)).Add(v.blockTime)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Until(next)):
			}
			err := v.node.StartRound(ctx, c.BlockIndex+1, uint64(time.Now().UnixMilli()), c.BlockHash, 0)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, dbft.ErrNodeStopped) {
					return nil
				}
				return fmt.Errorf("start height %d: %w", c.BlockIndex+1, err)
			}
		}
	}
}

// connectLoop dials configured peers until the context ends. Dialing a
// connected peer is a no-op.
func (v *validator) connectLoop(ctx context.Context, peers []peer.AddrInfo) error {
	if len(peers) == 0 {
		return nil
	}
	ticker := time.NewTicker(peerRetryInterval)
	defer ticker.Stop()
	for {
		for _, pi := range peers {
			dialCtx, cancel := context.WithTimeout(ctx, peerRetryInterval)
			if err := v.transport.Connect(dialCtx, pi); err != nil && ctx.Err() == nil {
				v.logger.Debug("peer unreachable", zap.Error(err))
			}
			cancel()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (v *validator) router(gatherer prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := v.node.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		stats["peers"] = len(v.transport.Peers())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	}).Methods(http.MethodGet)
	return r
}

func parsePeers(addrs []string) ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, a := range addrs {
		pi, err := peer.AddrInfoFromString(a)
		if err != nil {
			return nil, fmt.Errorf("%w: peer %q: %v", dbft.ErrConfig, a, err)
		}
		out = append(out, *pi)
	}
	return out, nil
}
