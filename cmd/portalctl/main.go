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
	"fmt"
	"os"
	"time"

	"github.com/pingcap-incubator/tinyportal/server/config"
	"github.com/pingcap-incubator/tinyportal/storage"
	"github.com/spf13/cobra"
)

var (
	configFile  string
	dialect     string
	dbPath      string
	interServer bool
	timeout     time.Duration

	globalCfg    *config.Config
	globalEngine *storage.Engine
)

// loadConfig reads the same configuration file as the server; flags given
// here win over the file.
func loadConfig() (*config.Config, error) {
	var args []string
	if configFile != "" {
		args = append(args, "-config", configFile)
	}
	if dialect != "" {
		args = append(args, "-dialect", dialect)
	}
	if dbPath != "" {
		args = append(args, "-db-path", dbPath)
	}
	if interServer {
		args = append(args, "-inter-server")
	}
	cfg := config.NewConfig()
	if err := cfg.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openEngine(cmd *cobra.Command, args []string) error {
	if globalEngine != nil {
		return nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, err := storage.Open(&cfg.Storage)
	if err != nil {
		return err
	}
	globalCfg, globalEngine = cfg, engine
	return nil
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "portalctl",
		Short:             "Inspect and maintain portal storage",
		PersistentPreRunE: openEngine,
		SilenceUsage:      true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "server configuration file")
	rootCmd.PersistentFlags().StringVar(&dialect, "dialect", "", "storage dialect (sqlite, mysql, mariadb, postgres)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "sqlite database file")
	rootCmd.PersistentFlags().BoolVar(&interServer, "inter-server", false, "include the cross-server tables")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "timeout of a single storage call")

	rootCmd.AddCommand(commands()...)
	rootCmd.AddCommand(newShellCommand())
	return rootCmd
}

func main() {
	cobra.EnablePrefixMatching = true

	err := newRootCommand().Execute()
	if globalEngine != nil {
		globalEngine.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
