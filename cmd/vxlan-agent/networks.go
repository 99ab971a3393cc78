// Copyright 2024 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/spf13/cobra"

	"vxlanmesh.io/internal/config"
	"vxlanmesh.io/internal/network"
	"vxlanmesh.io/internal/store"
)

var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "List the networks in an agent's database",
	Long: "List the networks in an agent's database. The database is opened " +
		"read-only, so this works while the agent is running.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 {
			return errors.New("networks command takes no arguments")
		}
		dataDir, err := cmd.Flags().GetString("data-dir")
		if err != nil {
			return err
		}

		cfg := config.Config{DataDir: dataDir}
		db, err := store.OpenReadOnly(log.NewNopLogger(), cfg.StorePath())
		if err != nil {
			return err
		}
		defer db.Close()

		recs, err := db.Load()
		if err != nil {
			return err
		}
		printNetworks(cmd, recs, time.Now())
		return nil
	},
}

func init() {
	networksCmd.Flags().String("data-dir", config.Default().DataDir, "agent data directory")
}

func printNetworks(cmd *cobra.Command, recs []network.Record, now time.Time) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer func() {
		// Ignore flushing errors - there's nothing we can do.
		_ = w.Flush()
	}()

	fmt.Fprintln(w, "NAME\tOWNER\tVNI\tCIDR\tMEMBERS\tDEVICE\tDHCP\tLAST USED")
	for _, rec := range recs {
		owner := rec.MachineID
		if rec.Orphaned() {
			owner = "(none)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%t\t%t\t%s\n",
			rec.ID,
			owner,
			rec.VNI,
			rec.IPCidr,
			len(rec.Members),
			rec.Has(network.FlagDevice),
			rec.Has(network.FlagDHCPServer),
			humanize.RelTime(time.Unix(rec.LastUseTime, 0), now, "ago", "from now"),
		)
	}
}
