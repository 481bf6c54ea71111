package main

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/openrange/orbit/internal/broker"
	"github.com/openrange/orbit/internal/config"
	"github.com/openrange/orbit/internal/engine"
	"github.com/openrange/orbit/internal/events"
	"github.com/openrange/orbit/internal/exec"
	"github.com/openrange/orbit/internal/features"
	"github.com/openrange/orbit/internal/httpapi"
	"github.com/openrange/orbit/internal/metrics"
	"github.com/openrange/orbit/internal/playbook"
	"github.com/openrange/orbit/internal/regime"
	"github.com/openrange/orbit/internal/risk"
	"github.com/openrange/orbit/internal/session"
)

// app is the assembled pipeline.
type app struct {
	cfg      config.App
	engine   *engine.Engine
	manager  *exec.Manager
	paper    *broker.Paper
	sessions *session.Config
	sink     events.Sink
	api      *httpapi.Server
}

// buildApp wires the pipeline. resilient wraps the paper broker with the
// retry/breaker stack; replay skips it to stay deterministic.
func buildApp(cfg config.App, resilient bool) (*app, error) {
	sessions, err := session.Load(cfg.SessionsPath)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	sinks := []events.Sink{
		events.NewLogSink(log.Logger),
		metrics.EventSink{},
	}
	if cfg.EventLog != "" {
		fileSink, err := events.NewFileSink(cfg.EventLog)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fileSink)
	}
	if cfg.PostgresDSN != "" {
		pgSink, err := events.NewPostgresSink(cfg.PostgresDSN, cfg.DBTimeout)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, pgSink)
	}
	sink := events.NewMulti(sinks...)

	paper := broker.NewPaper(cfg.InitialCash)
	var venue broker.Broker = paper
	if resilient {
		venue = broker.NewResilient(paper, cfg.Broker, log.Logger)
	}

	var baseline features.BaselineProvider
	if cfg.RvolBaseline != "" {
		profile, err := features.LoadBaseline(cfg.RvolBaseline)
		if err != nil {
			return nil, err
		}
		baseline = profile
	}

	feat := features.NewEngine(cfg.Features, baseline)
	classifier := regime.NewClassifier(cfg.Regime)
	book := playbook.NewBook(cfg.Playbook)
	gate := risk.NewGate(cfg.Risk, sessions, nil, nil)
	manager := exec.NewManager(cfg.Exec, venue, gate.Ledger(), sink, log.Logger)
	gate.SetPortfolio(manager)

	eng := engine.New(cfg.Engine, feat, classifier, book, gate, manager, sessions, sink, log.Logger)
	api := httpapi.NewServer(cfg.HTTPAddr, manager, gate.Ledger(), log.Logger)

	return &app{
		cfg:      cfg,
		engine:   eng,
		manager:  manager,
		paper:    paper,
		sessions: sessions,
		sink:     sink,
		api:      api,
	}, nil
}
