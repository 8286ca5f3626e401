// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap-incubator/tinyportal/pkg/logutil"
	"github.com/pingcap-incubator/tinyportal/server"
	"github.com/pingcap-incubator/tinyportal/server/config"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func main() {
	cfg := config.NewConfig()
	err := cfg.Parse(os.Args[1:])

	if cfg.Version {
		server.PrintServerInfo()
		exit(0)
	}

	defer logutil.LogPanic()

	switch errors.Cause(err) {
	case nil:
	case flag.ErrHelp:
		exit(0)
	default:
		log.Fatal("parse cmd flags error", zap.Error(err))
	}

	if cfg.ConfigCheck {
		server.PrintConfigCheckMsg(cfg)
		exit(0)
	}

	if err := cfg.SetupLogger(); err != nil {
		log.Fatal("initialize logger error", zap.Error(err))
	}
	log.ReplaceGlobals(cfg.GetZapLogger(), cfg.GetZapLogProperties())
	defer log.Sync()

	server.LogServerInfo()
	for _, msg := range cfg.WarningMsgs {
		log.Warn(msg)
	}

	svr, err := server.CreateServer(cfg)
	if err != nil {
		log.Fatal("create server failed", zap.Error(err))
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	ctx, cancel := context.WithCancel(context.Background())
	var sig os.Signal
	go func() {
		sig = <-sc
		cancel()
	}()

	if err := svr.Run(ctx); err != nil {
		log.Fatal("run server failed", zap.Error(err))
	}
	logStartup(svr, cfg)

	<-ctx.Done()
	log.Info("got signal to exit", zap.String("signal", sig.String()))

	svr.Close()
	if sig == syscall.SIGTERM {
		exit(0)
	}
	exit(1)
}

// logStartup reports what the server brought up: the storage backend, the
// replication relay and how many stored portals each partition yielded.
func logStartup(svr *server.Server, cfg *config.Config) {
	relay := "none"
	if svr.Channel() != nil {
		relay = cfg.Replication.Relay
	}
	log.Info("portal server ready",
		zap.String("server-id", svr.ServerID()),
		zap.String("dialect", cfg.Storage.Dialect),
		zap.Bool("inter-server", cfg.Storage.InterServer),
		zap.String("relay", relay),
		zap.Int("gates", len(cfg.Gates)),
		zap.String("status-addr", svr.StatusAddr()))
	for _, part := range cfg.Storage.Partitions() {
		res, ok := svr.LoadResult(part)
		if !ok {
			continue
		}
		fields := []zap.Field{
			zap.Stringer("partition", part),
			zap.Int("loaded", res.Loaded),
			zap.Int("virtual", res.Virtual),
			zap.Int("skipped", len(res.Skipped)),
		}
		if len(res.Skipped) == 0 {
			log.Info("partition ready", fields...)
			continue
		}
		log.Warn("partition ready with skipped portals, their rows are kept in storage", fields...)
		for _, row := range res.Skipped {
			log.Warn("skipped portal", zap.Stringer("partition", part), zap.String("network", row.Network), zap.String("portal", row.Name), zap.Error(row.Err))
		}
	}
}

func exit(code int) {
	log.Sync()
	os.Exit(code)
}
