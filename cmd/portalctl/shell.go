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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
)

func newShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive storage shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shellLoop()
		},
	}
}

func runShellCommand(args []string) {
	cmd := &cobra.Command{
		Use:           "portalctl",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(commands()...)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Printf("%v\n", err)
	}
}

func shellLoop() error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[35mportal»\033[0m ",
		HistoryFile:       filepath.Join(os.TempDir(), "portalctl.history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		args, err := shellwords.Parse(line)
		if err != nil {
			fmt.Printf("%v\n", err)
			continue
		}
		runShellCommand(args)
	}
}
