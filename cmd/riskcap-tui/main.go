package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dd0wney/cluso-riskcap/pkg/config"
	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/dispatch"
	"github.com/dd0wney/cluso-riskcap/pkg/estimate"
	"github.com/dd0wney/cluso-riskcap/pkg/logging"
	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
)

func main() {
	configPath := flag.String("config", os.Getenv("RISKCAP_CONFIG"), "YAML configuration file")
	id := flag.String("design", "", "design id in the configured store")
	path := flag.String("file", "", "design record file")
	logPath := flag.String("log", "", "write logs to this file instead of discarding them")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	var logOut io.Writer = io.Discard
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("❌ open log: %v", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := cfg.Logger(logOut).With(logging.Component("riskcap-tui"))
	reg := metrics.DefaultRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := loadDesign(ctx, cfg, reg, *id, *path)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	opts := append(cfg.EstimatorOptions(), estimate.WithLogger(logger), estimate.WithMetrics(reg))
	if len(cfg.Dispatch.Workers) > 0 {
		coord, err := dispatch.NewCoordinator(dispatch.CoordinatorConfig{
			Workers:      cfg.Dispatch.Workers,
			ChunkTimeout: cfg.Dispatch.ChunkTimeout,
		}, logger, reg)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		defer coord.Close()
		opts = append(opts, estimate.WithRunner(coord))
	}
	est := estimate.NewEstimator(opts...)
	plan := cfg.EscalationPlan()

	p := tea.NewProgram(initialModel(d, plan, cfg.Model.Epsilon), tea.WithAltScreen())
	go func() {
		res, err := est.Escalate(ctx, cfg.SampleRequest(d), plan, func(r estimate.Round) {
			p.Send(roundMsg(r))
		})
		if err != nil {
			p.Send(errMsg{err})
			return
		}
		p.Send(doneMsg{res})
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		os.Exit(1)
	}
}

func loadDesign(ctx context.Context, cfg *config.Config, reg *metrics.Registry, id, path string) (*design.Design, error) {
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return design.Load(f)
	}
	if id == "" {
		return nil, fmt.Errorf("one of -design or -file is required")
	}
	store, closeStore, err := cfg.OpenStore(ctx, reg)
	if err != nil {
		return nil, err
	}
	defer closeStore()
	if store == nil {
		return nil, fmt.Errorf("store backend %q cannot load designs", cfg.Store.Backend)
	}
	return store.Get(ctx, id)
}
