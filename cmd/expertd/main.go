// Expert agent daemon
// Bids on asks matching a static expert profile and answers paid questions
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nainya/expertagent/internal/logger"
	"github.com/nainya/expertagent/internal/metrics"
	"github.com/nainya/expertagent/internal/server"
	"github.com/nainya/expertagent/pkg/expert"
	"github.com/nainya/expertagent/pkg/nwc"
	"github.com/nainya/expertagent/pkg/relaypool"
)

var (
	configPath  = flag.String("config", "expertd.yaml", "Config file path")
	metricsPort = flag.Int("metrics-port", 9090, "Observability HTTP port")
	healthPort  = flag.Int("health-port", 50051, "gRPC health port")
)

type fileConfig struct {
	Relays struct {
		Ask      []string `yaml:"ask"`
		Question []string `yaml:"question"`
	} `yaml:"relays"`
	Hashtags []string `yaml:"hashtags"`

	// Secrets may come from the environment instead (EXPERT_PRIVKEY,
	// NWC_URL), loaded from .env when present.
	Privkey string `yaml:"privkey"`
	NWCURL  string `yaml:"nwc_url"`

	BidTimeoutSeconds int `yaml:"bid_timeout_seconds"`

	Expert struct {
		BidSats       uint64 `yaml:"bid_sats"`
		BidContent    string `yaml:"bid_content"`
		AnswerContent string `yaml:"answer_content"`
		FollowupSats  uint64 `yaml:"followup_sats"`
	} `yaml:"expert"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if v := os.Getenv("EXPERT_PRIVKEY"); v != "" {
		cfg.Privkey = v
	}
	if v := os.Getenv("NWC_URL"); v != "" {
		cfg.NWCURL = v
	}
	return &cfg, nil
}

func main() {
	flag.Parse()

	// Optional .env for local development
	godotenv.Load()

	// Bootstrap logger until the configured one is built
	log := logger.New(logger.Config{Level: "info"})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Str("path", *configPath).Err(err).Msg("failed to load config")
	}

	log = logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})
	log.Info().
		Int("metrics_port", *metricsPort).
		Int("health_port", *healthPort).
		Msg("expert agent starting")

	m := metrics.NewMetrics()
	pool := relaypool.New(logger.Component(log, logger.ComponentRelayPool))

	wallet, err := nwc.NewClient(cfg.NWCURL, pool, logger.Component(log, logger.ComponentWallet))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create wallet client")
	}

	agent, err := expert.NewAgent(expert.Config{
		PrivateKey:     cfg.Privkey,
		AskRelays:      cfg.Relays.Ask,
		QuestionRelays: cfg.Relays.Question,
		Hashtags:       cfg.Hashtags,
		BidTimeout:     time.Duration(cfg.BidTimeoutSeconds) * time.Second,
		OnAsk:          staticBidder(cfg),
		OnQuestion:     staticAnswerer(cfg),
		Relays:         pool,
		Wallet:         wallet,
		Logger:         logger.Component(log, logger.ComponentAgent),
		Metrics:        m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create agent")
	}

	// Observability and health servers
	serverLog := logger.Component(log, logger.ComponentServer)
	obs := server.NewObservabilityServer(*metricsPort, agent, serverLog)
	go func() {
		if err := obs.Start(); err != nil {
			log.Fatal().Err(err).Msg("observability server failed")
		}
	}()
	healthSrv := server.NewHealthServer(*healthPort, serverLog)
	go func() {
		if err := healthSrv.Start(); err != nil {
			log.Fatal().Err(err).Msg("health server failed")
		}
	}()

	if err := agent.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to start agent")
	}
	obs.SetReady(true)
	healthSrv.SetServing(true)
	log.Info().Str("pubkey", agent.PublicKey()).Msg("agent running")

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	obs.SetReady(false)
	healthSrv.SetServing(false)
	agent.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("observability shutdown failed")
	}
	healthSrv.Shutdown()
}

// staticBidder bids the configured offer on every matching ask.
func staticBidder(cfg *fileConfig) expert.AskHandler {
	return func(ctx context.Context, ask *expert.Ask) (*expert.Bid, error) {
		if cfg.Expert.BidSats == 0 {
			return nil, nil
		}
		return &expert.Bid{
			Content: cfg.Expert.BidContent,
			BidSats: cfg.Expert.BidSats,
		}, nil
	}
}

// staticAnswerer replies with the configured answer; a follow-up is
// offered on the first turn only so conversations terminate.
func staticAnswerer(cfg *fileConfig) expert.QuestionHandler {
	return func(ctx context.Context, ask *expert.Ask, bid *expert.Bid, q *expert.Question, history []expert.Exchange) (*expert.Answer, error) {
		answer := &expert.Answer{Content: cfg.Expert.AnswerContent}
		if len(history) == 0 {
			answer.FollowupSats = cfg.Expert.FollowupSats
		}
		return answer, nil
	}
}
