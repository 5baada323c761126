package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/contract-ledger/api"
	"github.com/warp/contract-ledger/config"
	"github.com/warp/contract-ledger/document"
	"github.com/warp/contract-ledger/exchange"
	"github.com/warp/contract-ledger/ledger"
	"github.com/warp/contract-ledger/logging"
	"github.com/warp/contract-ledger/metrics"
	"github.com/warp/contract-ledger/reconcile"
	"github.com/warp/contract-ledger/store/sqlite"
)

// app is the wired dependency graph shared by all commands.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	store   *sqlite.Store
	ledger  *ledger.Memory
	view    *ledger.View
	engine  *reconcile.Engine
	sender  *exchange.Sender
	drafts  *exchange.Drafts
	poller  *api.PollScheduler
}

func newApp(cfg *config.Config) (*app, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("party_id", cfg.Party.ID))

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	m := metrics.New(cfg.Metrics)

	// The in-process ledger is the only Adapter shipped here; a deployment
	// against a real ledger provides its own ledger.Adapter and Publisher.
	shared := ledger.NewMemory(cfg.Ledger.RoutingSecret)
	view := shared.View(document.PartyID(cfg.Party.ID))

	engine := reconcile.New(store, view, reconcile.Options{
		Approval:         reconcile.ApprovalPolicy(cfg.Reconcile.ApprovalPolicy),
		TieBreak:         reconcile.TieBreak(cfg.Reconcile.TieBreak),
		Overflow:         reconcile.OverflowPolicy(cfg.Reconcile.SignatureOverflow),
		RetainRemoteCopy: cfg.Ledger.RetainRemoteCopy,
		Logger:           log,
		Metrics:          m,
	})
	xopts := exchange.Options{Logger: log, Metrics: m}

	poller := api.NewPollScheduler(engine, store, log)
	poller.Interval = cfg.Scheduler.Interval
	poller.Enabled = cfg.Scheduler.Enabled

	return &app{
		cfg:     cfg,
		log:     log,
		metrics: m,
		store:   store,
		ledger:  shared,
		view:    view,
		engine:  engine,
		sender:  exchange.NewSender(store, view, view, xopts),
		drafts:  exchange.NewDrafts(store, engine.Approvals(), xopts),
		poller:  poller,
	}, nil
}

func (a *app) handler() *api.Handler {
	h := api.NewHandler(a.store, a.engine, a.sender, a.drafts, a.log)
	h.Poller = a.poller
	h.Runs = a.store
	h.Ledger = a.ledger
	h.Party = a.view.Party()
	return h
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close database", zap.Error(err))
	}
	_ = a.log.Sync()
}
