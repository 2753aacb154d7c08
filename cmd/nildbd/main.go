// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// nildbd is the nilDB node daemon: it owns the store connection, the
// node identity, the HTTP API and the background query runner.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"

	"github.com/juju/nildb/apiserver"
	"github.com/juju/nildb/core/did"
	"github.com/juju/nildb/internal/nuc"
	"github.com/juju/nildb/internal/worker/queryrunner"
	"github.com/juju/nildb/state"
)

const version = "1.0.0"

var logger = loggo.GetLogger("nildb.daemon")

type config struct {
	mongoURL  string
	dbPrefix  string
	listen    string
	nodeKey   string
	logConfig string
}

func parseArgs(args []string) (config, error) {
	var cfg config
	flags := gnuflag.NewFlagSet("nildbd", gnuflag.ContinueOnError)
	flags.StringVar(&cfg.mongoURL, "mongo-url", "localhost:27017", "document store address")
	flags.StringVar(&cfg.dbPrefix, "db-prefix", "nildb", "database name prefix")
	flags.StringVar(&cfg.listen, "listen", ":8080", "HTTP listen address")
	flags.StringVar(&cfg.nodeKey, "node-key", "", "hex seed for the node's identity key")
	flags.StringVar(&cfg.logConfig, "log-config", "<root>=INFO", "initial logging configuration")
	if err := flags.Parse(true, args); err != nil {
		return config{}, errors.Trace(err)
	}
	if cfg.nodeKey == "" {
		cfg.nodeKey = os.Getenv("NILDB_NODE_KEY")
	}
	if cfg.nodeKey == "" {
		return config{}, errors.New("--node-key or NILDB_NODE_KEY is required")
	}
	return cfg, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "nildbd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseArgs(args)
	if err != nil {
		return errors.Trace(err)
	}
	if err := loggo.ConfigureLoggers(cfg.logConfig); err != nil {
		return errors.Annotate(err, "configuring logging")
	}

	keys, err := did.KeyPairFromSeed(cfg.nodeKey)
	if err != nil {
		return errors.Annotate(err, "deriving node identity")
	}
	node := keys.DID()
	logger.Infof("node identity %s", node)

	ctx := context.Background()
	clk := clock.WallClock
	st, err := state.Open(ctx, state.OpenArgs{
		URL:    cfg.mongoURL,
		Prefix: cfg.dbPrefix,
		Clock:  clk,
	})
	if err != nil {
		return errors.Annotate(err, "opening state")
	}
	defer st.Close()

	journal := nuc.NewRevocationJournal(st.Primary(), clk, nuc.DefaultRevocationTTL)
	verifier := nuc.NewVerifier(node, journal, clk)

	server, err := apiserver.NewServer(apiserver.Config{
		State:    st,
		Verifier: verifier,
		Journal:  journal,
		Node:     node,
		Clock:    clk,
		Version:  version,
	})
	if err != nil {
		return errors.Trace(err)
	}

	runner, err := queryrunner.NewWorker(queryrunner.Config{
		Store: st,
		Clock: clk,
	})
	if err != nil {
		return errors.Annotate(err, "starting query runner")
	}
	defer func() {
		runner.Kill()
		if err := runner.Wait(); err != nil {
			logger.Errorf("query runner exited: %v", err)
		}
	}()

	httpServer := &http.Server{Addr: cfg.listen, Handler: server}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.listen)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infof("received %s, shutting down", sig)
		return errors.Trace(httpServer.Shutdown(ctx))
	case err := <-errCh:
		return errors.Trace(err)
	}
}
