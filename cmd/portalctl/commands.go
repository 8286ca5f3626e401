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
	"sort"

	"github.com/pingcap-incubator/tinyportal/portal"
	"github.com/pingcap-incubator/tinyportal/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// commands returns the storage commands. They are rebuilt for every shell
// line so flag values do not leak between lines.
func commands() []*cobra.Command {
	var inter bool
	partition := func() storage.Partition {
		if inter {
			return storage.InterServer
		}
		return storage.Local
	}

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Create or upgrade the tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()
			if err := globalEngine.CreateSchema(ctx); err != nil {
				return err
			}
			fmt.Println("schema ok")
			return nil
		},
	}

	networks := &cobra.Command{
		Use:   "networks",
		Short: "List stored networks and their portal count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := loadRecords(partition())
			if err != nil {
				return err
			}
			counts := make(map[string]int)
			for _, rec := range recs {
				counts[rec.Network]++
			}
			names := make([]string, 0, len(counts))
			for name := range counts {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%s\t%d\n", name, counts[name])
			}
			return nil
		},
	}
	networks.Flags().BoolVar(&inter, "inter", false, "list the cross-server partition")

	portals := &cobra.Command{
		Use:   "portals [network]",
		Short: "List stored portals, optionally of one network",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := loadRecords(partition())
			if err != nil {
				return err
			}
			for _, rec := range recs {
				if len(args) == 1 && portal.Normalize(rec.Network) != portal.Normalize(args[0]) {
					continue
				}
				printRecord(rec)
			}
			return nil
		},
	}
	portals.Flags().BoolVar(&inter, "inter", false, "list the cross-server partition")

	servers := &cobra.Command{
		Use:   "servers",
		Short: "List servers announced in the cross-server tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()
			list, err := globalEngine.ListServers(ctx)
			if err != nil {
				return err
			}
			for _, s := range list {
				fmt.Printf("%s\t%s\n", s.ID, s.Name)
			}
			return nil
		},
	}

	metadata := &cobra.Command{
		Use:   "metadata network portal [value]",
		Short: "Get or [set] the metadata of a portal",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout()
			defer cancel()
			if len(args) == 3 {
				return globalEngine.SetPortalMetadata(ctx, partition(), args[0], args[1], args[2])
			}
			md, err := globalEngine.GetPortalMetadata(ctx, partition(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Println(md)
			return nil
		},
	}
	metadata.Flags().BoolVar(&inter, "inter", false, "use the cross-server partition")

	renameNetwork := &cobra.Command{
		Use:   "rename-network old new",
		Short: "Rename a local network in storage; running servers pick it up on restart",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := portal.ValidateName(args[1], globalCfg.Network.MaxNameLength); err != nil {
				return errors.WithStack(err)
			}
			ctx, cancel := withTimeout()
			defer cancel()
			if err := globalEngine.RenameNetwork(ctx, partition(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("renamed %s to %s\n", args[0], args[1])
			return nil
		},
	}
	renameNetwork.Flags().BoolVar(&inter, "inter", false, "use the cross-server partition")

	for _, cmd := range []*cobra.Command{schema, networks, portals, servers, metadata, renameNetwork} {
		cmd.DisableFlagsInUseLine = true
	}
	return []*cobra.Command{schema, networks, portals, servers, metadata, renameNetwork}
}

func loadRecords(part storage.Partition) ([]*storage.PortalRecord, error) {
	ctx, cancel := withTimeout()
	defer cancel()
	recs, err := globalEngine.LoadAll(ctx, part, globalCfg.ServerID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Network != recs[j].Network {
			return recs[i].Network < recs[j].Network
		}
		return recs[i].Name < recs[j].Name
	})
	return recs, nil
}

func printRecord(rec *storage.PortalRecord) {
	if rec.Err != nil {
		fmt.Printf("%s/%s\tunreadable: %v\n", rec.Network, rec.Name, rec.Err)
		return
	}
	dest := rec.Destination
	if dest == "" {
		dest = "-"
	}
	fmt.Printf("%s/%s\t%s\t%s\t%s\t%s", rec.Network, rec.Name, dest, rec.Flags.String(), rec.Origin, rec.Owner)
	if rec.ServerName != "" {
		fmt.Printf("\t%s", rec.ServerName)
	}
	fmt.Println()
}
