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

package election

import (
	"encoding/json"

	"github.com/go-kit/log/level"

	v1 "vxlanmesh.io/pkg/apis/v1"
)

// envelopeOverhead is room for the envelope, the request name and
// our machine id.
const envelopeOverhead = 256

// sendList sends infos in as many list messages as it takes to keep
// each datagram under maxDatagram.
func (c *Coordinator) sendList(infos []v1.NetworkInfo) {
	for _, chunk := range chunkInfos(infos, maxDatagram-envelopeOverhead-len(c.config.MachineID)) {
		c.Announce(&v1.NetworkList{MachineID: c.config.MachineID, Networks: chunk})
	}
}

// chunkInfos splits infos into groups whose encoded size stays under
// limit when encoded as a JSON array. A single info that's too big on
// its own still gets a group.
func chunkInfos(infos []v1.NetworkInfo, limit int) [][]v1.NetworkInfo {
	var (
		chunks  [][]v1.NetworkInfo
		current []v1.NetworkInfo
		size    = 1
	)
	for _, info := range infos {
		raw, err := json.Marshal(info)
		if err != nil {
			continue
		}
		n := len(raw) + 1
		if len(current) > 0 && size+n > limit {
			chunks = append(chunks, current)
			current, size = nil, 1
		}
		current = append(current, info)
		size += n
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// query asks the owners of names to send us their records.
func (c *Coordinator) query(names []string) {
	for len(names) > 0 {
		n := min(len(names), queryChunk)
		c.Announce(&v1.NetworkQuery{MachineID: c.config.MachineID, Networks: names[:n]})
		level.Debug(c.logger).Log("op", "query", "networks", n)
		names = names[n:]
	}
}
