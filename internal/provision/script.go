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

package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	opCreateBridge = "create_bridge"
	opDeleteBridge = "delete_bridge"
	opStartDHCP    = "start_dhcp"
	opStopDHCP     = "stop_dhcp"

	parseError = "parse shell result error"
)

// Script runs the network scripts in <shellPath>/network. Each script
// prints a JSON object like {"errcode": 0, "message": "ok"} on stdout;
// a non-zero errcode is a failure. The exit status is ignored.
type Script struct {
	logger log.Logger
	dir    string
}

// NewScript returns a Script that runs the scripts under shellPath.
func NewScript(logger log.Logger, shellPath string) *Script {
	return &Script{
		logger: log.With(logger, "component", "provision"),
		dir:    filepath.Join(shellPath, "network"),
	}
}

type scriptResult struct {
	Code    *int   `json:"errcode"`
	Message string `json:"message"`
}

func (s *Script) CreateBridge(ctx context.Context, bridge, vxlan string, vni uint32) error {
	return s.run(ctx, opCreateBridge, bridge, vxlan, strconv.FormatUint(uint64(vni), 10))
}

func (s *Script) DeleteBridge(ctx context.Context, bridge, vxlan string) error {
	return s.run(ctx, opDeleteBridge, bridge, vxlan)
}

func (s *Script) StartDHCP(ctx context.Context, bridge, vxlan string, dhcp DHCPConfig) error {
	return s.run(ctx, opStartDHCP, bridge, vxlan, dhcp.Interface, dhcp.Netmask, dhcp.Start, dhcp.End, strconv.FormatUint(dhcp.MaxLeases, 10))
}

func (s *Script) StopDHCP(ctx context.Context, bridge, vxlan string) error {
	return s.run(ctx, opStopDHCP, bridge, vxlan)
}

func (s *Script) run(ctx context.Context, op string, args ...string) error {
	start := time.Now()
	cmd := exec.CommandContext(ctx, filepath.Join(s.dir, op+".sh"), args...)
	cmd.WaitDelay = time.Second
	out, execErr := cmd.Output()
	out = bytes.TrimSpace(out)

	level.Info(s.logger).Log("op", op, "args", fmt.Sprint(args), "result", string(out))

	perr := parseResult(op, out)
	if ctxErr := ctx.Err(); ctxErr != nil {
		perr = &Error{Op: op, Code: -1, Message: "script timed out", Err: ctxErr}
	} else if perr != nil {
		perr.Err = execErr
	}
	recordCall(op, time.Since(start), perr != nil)
	if perr != nil {
		return perr
	}
	return nil
}

// parseResult interprets a script's stdout.
func parseResult(op string, out []byte) *Error {
	var res scriptResult
	if err := json.Unmarshal(out, &res); err != nil || res.Code == nil {
		return &Error{Op: op, Code: -1, Message: parseError}
	}
	if *res.Code != 0 {
		return &Error{Op: op, Code: *res.Code, Message: res.Message}
	}
	return nil
}
