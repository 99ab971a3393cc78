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
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/go-kit/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"vxlanmesh.io/internal/api"
	"vxlanmesh.io/internal/config"
	"vxlanmesh.io/internal/election"
	"vxlanmesh.io/internal/logging"
	"vxlanmesh.io/internal/multicast"
	"vxlanmesh.io/internal/network"
	"vxlanmesh.io/internal/peer"
	"vxlanmesh.io/internal/provision"
	"vxlanmesh.io/internal/store"
	"vxlanmesh.io/internal/timer"
)

// drainTime is how long we keep the sockets open after saying
// goodbye, so the move and exit messages get out.
const drainTime = 2 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		logLevel, err := flags.GetString("log-level")
		if err != nil {
			return err
		}
		logger, err := logging.Init(logLevel)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(flags)
		if err != nil {
			logging.Error(logger, "op", "startup", "error", err, "msg", "invalid configuration")
			return err
		}

		if err := run(logger, cfg); err != nil {
			logging.Error(logger, "op", "run", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	addRunFlags(runCmd.Flags())
}

func addRunFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "path to the YAML config file")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("machine-id", "", "this node's machine id (default: read or generated in the data dir)")
	flags.String("data-dir", "", "directory for the network database and machine id")
	flags.String("shell-path", "", "directory that holds the network/*.sh scripts")
	flags.String("device-backend", "", "how devices are created: script or netlink")
	flags.String("api-address", "", "address of the local control API")
	flags.String("host", "", "HTTP host address for Prometheus metrics")
	flags.Int("port", 0, "HTTP listening port for Prometheus metrics")
}

// loadConfig reads the config file and applies the flags that were
// set on the command line.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"machine-id":     &cfg.MachineID,
		"data-dir":       &cfg.DataDir,
		"shell-path":     &cfg.ShellPath,
		"device-backend": &cfg.DeviceBackend,
		"api-address":    &cfg.APIAddress,
		"host":           &cfg.MetricsHost,
	}
	for name, field := range overrides {
		if flags.Changed(name) {
			if *field, err = flags.GetString(name); err != nil {
				return nil, err
			}
		}
	}
	if flags.Changed("port") {
		if cfg.MetricsPort, err = flags.GetInt("port"); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureMachineID(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newProvisioner(logger log.Logger, cfg *config.Config) provision.Provisioner {
	script := provision.NewScript(logger, cfg.ShellPath)
	var prov provision.Provisioner = script
	if cfg.DeviceBackend == config.BackendNetlink {
		prov = provision.NewNetlink(logger, script, provision.NetlinkConfig{
			Group:  net.ParseIP(cfg.VxlanGroup),
			Port:   cfg.VxlanPort,
			Device: cfg.VxlanDevice,
		})
	}
	return provision.WithTimeout(prov, cfg.ProvisionTimeout)
}

func run(logger log.Logger, cfg *config.Config) error {
	logging.Info(logger, "op", "startup", "machine", cfg.MachineID, "netFlag", cfg.NetFlag, "nodeType", cfg.NodeType, "backend", cfg.DeviceBackend)

	db, err := store.Open(logger, cfg.StorePath())
	if err != nil {
		return err
	}
	defer db.Close()

	clk := clock.NewClock()
	dir := network.New(logger, clk, cfg.MachineID, db, newProvisioner(logger, cfg))
	if err := dir.Load(); err != nil {
		return err
	}

	peers := peer.New(logger, clk, cfg.MachineID)
	if ip, err := provision.DefaultRouteIP(); err == nil {
		peers.SetLocalAddress(ip)
	} else {
		logging.Warn(logger, "op", "startup", "error", err, "msg", "no default route, local address will be learned from our own advertisements")
	}
	dir.SetHostChecker(peers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, err := multicast.Open(ctx, logger, multicast.Config{
		ListenIP:  net.ParseIP(cfg.ListenIP),
		Group:     net.ParseIP(cfg.MulticastAddress),
		Port:      cfg.MulticastPort,
		Interface: cfg.MulticastInterface,
	})
	if err != nil {
		return err
	}
	defer transport.Close()

	sched := timer.New(logger, clk)
	coord := election.New(logger, election.Config{
		MachineID:           cfg.MachineID,
		NetType:             cfg.NetType,
		NetFlag:             cfg.WireNetFlag(),
		NodeType:            cfg.NodeType,
		LocalPort:           uint16(cfg.ListenPort),
		AdvertiseInterval:   cfg.AdvertiseInterval,
		PeerTimeout:         cfg.PeerTimeout,
		NetworkListInterval: cfg.NetworkListInterval,
		GCInterval:          cfg.GCInterval,
		NetworkIdle:         cfg.NetworkIdle,
		NetworkExpiry:       cfg.NetworkExpiry,
		ResumeDelay:         cfg.ResumeDelay,
	}, dir, peers, sched, transport)
	dir.SetAnnouncer(coord)

	go sched.Run(ctx)
	coord.Start(ctx)

	fatal := make(chan error, 3)
	go func() {
		fatal <- transport.Run(ctx, coord.HandleDatagram)
	}()

	apiCtx, stopAPI := context.WithCancel(ctx)
	defer stopAPI()
	if cfg.APIAddress != "" {
		go func() {
			if err := api.New(logger, dir, peers).Serve(apiCtx, cfg.APIAddress); err != nil {
				fatal <- err
			}
		}()
	}
	if cfg.MetricsPort != 0 {
		go func() {
			if err := api.RunMetrics(ctx, logger, cfg.MetricsHost, cfg.MetricsPort); err != nil {
				logging.Error(logger, "op", "metrics", "error", err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var runErr error
	select {
	case sig := <-sigs:
		logging.Info(logger, "op", "shutdown", "signal", sig, "msg", "signal received, initiating shutdown")
	case runErr = <-fatal:
		if runErr == nil {
			runErr = errors.New("multicast transport stopped")
		}
		logging.Error(logger, "op", "shutdown", "error", runErr, "msg", "initiating shutdown")
	}

	// Stop taking requests, hand our networks off, and give the
	// messages time to leave before the sockets close.
	stopAPI()
	coord.Exit(context.Background())
	logging.Info(logger, "op", "shutdown", "msg", "waiting for messages to drain", "duration", drainTime)
	time.Sleep(drainTime)
	cancel()

	logging.Info(logger, "op", "shutdown", "msg", "shutdown complete")
	return runErr
}
