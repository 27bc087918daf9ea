package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/execution-hub/agent-studio/internal/api/http"
	appStudio "github.com/execution-hub/agent-studio/internal/application/studio"
	"github.com/execution-hub/agent-studio/internal/config"
	"github.com/execution-hub/agent-studio/internal/infrastructure/sse"
	p2papi "github.com/execution-hub/agent-studio/internal/p2p/api"
	"github.com/execution-hub/agent-studio/internal/p2p/consensus"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.LoadP2P()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	studioCfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	logger = logger.Level(studioCfg.Level()).With().Str("node_id", cfg.NodeID).Logger()

	node, err := consensus.NewNode(consensus.Config{
		NodeID:         cfg.NodeID,
		RaftAddr:       cfg.RaftAddr,
		DataDir:        cfg.DataDir,
		Bootstrap:      cfg.Bootstrap,
		SnapshotRetain: cfg.SnapshotRetain,
		ApplyTimeout:   cfg.ApplyTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create raft node")
	}
	defer func() {
		_ = node.Shutdown()
	}()

	if !cfg.Bootstrap && cfg.JoinEndpoint != "" {
		if err := joinCluster(cfg, node.RaftAddr()); err != nil {
			logger.Error().Err(err).Msg("join cluster failed")
		} else {
			logger.Info().Str("endpoint", cfg.JoinEndpoint).Msg("joined cluster")
		}
	}

	if cfg.StartupWaitLeader > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupWaitLeader)
		_, _ = node.WaitForLeader(ctx, 150*time.Millisecond)
		cancel()
	}

	// The node is the durable change log and snapshot store of the local
	// coordinator. Writes succeed only while this node leads.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sseHub := sse.NewHub()
	fanout := appStudio.NewFanout(logger, studioCfg.FanoutQueue, studioCfg.SinkTimeout, sseHub)
	coord := appStudio.NewCoordinator(appStudio.Config{
		Palette:          studioCfg.PaletteColors(),
		ReconnectGrace:   studioCfg.ReconnectGrace,
		SessionGrace:     studioCfg.SessionGrace,
		LogRetain:        studioCfg.LogRetain,
		SubscriberBuffer: studioCfg.SubscriberBuffer,
		ResumeTokenCost:  studioCfg.ResumeTokenCost,
	}, node, fanout, logger)
	if studioCfg.MilestoneExpr != "" {
		milestone, err := appStudio.NewMilestone(studioCfg.MilestoneExpr, coord, node, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("milestone error")
		}
		fanout.Add(milestone)
	}
	go func() { _ = fanout.Run(ctx) }()

	studioServer := httpapi.NewServer(coord, sseHub, node, httpapi.WSConfig{}, logger)
	apiServer := p2papi.NewServer(node, logger)
	httpServer := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     apiServer.Router(studioServer.Mount),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("raft_addr", node.RaftAddr()).
			Bool("bootstrap", cfg.Bootstrap).
			Msg("p2p http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	coord.Shutdown()
	sseHub.Stop()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = node.Shutdown()
}

func joinCluster(cfg *config.P2PConfig, raftAddr string) error {
	endpoint := strings.TrimRight(cfg.JoinEndpoint, "/") + "/v1/p2p/raft/join"
	payload := map[string]string{
		"node_id":   cfg.NodeID,
		"raft_addr": raftAddr,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var lastErr error
	for i := 0; i < cfg.JoinRetries; i++ {
		req, _ := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(cfg.JoinRetryDelay)
			continue
		}
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("join returned status %d", resp.StatusCode)
		time.Sleep(cfg.JoinRetryDelay)
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}
