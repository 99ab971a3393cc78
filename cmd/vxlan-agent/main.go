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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"vxlanmesh.io/internal/logging"
)

var (
	mainCmd = &cobra.Command{
		Use:           "vxlan-agent",
		Short:         "Overlay network agent that keeps one owner for every VXLAN network",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the agent's version",
		Run: func(cmd *cobra.Command, args []string) {
			release, commit, branch := logging.Release()
			fmt.Fprintf(cmd.OutOrStdout(), "vxlan-agent %s (commit %s, branch %s)\n", release, commit, branch)
		},
	}
)

func init() {
	mainCmd.AddCommand(
		runCmd,
		networksCmd,
		versionCmd,
	)
}

func main() {
	if _, err := mainCmd.ExecuteC(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
