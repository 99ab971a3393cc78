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

package multicast

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unicastPair builds a Transport whose send socket writes to its own
// receive socket over loopback unicast.
func unicastPair(t *testing.T) *Transport {
	t.Helper()
	recv, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	send, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	tr := newTransport(log.NewNopLogger(), recv, send, recv.LocalAddr())
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestSendAndReceive(t *testing.T) {
	tr := unicastPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []Datagram
	go tr.Run(ctx, func(d Datagram) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, d)
	})

	for _, msg := range []string{"one", "two", "three"} {
		require.True(t, tr.Send([]byte(msg)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"one", "two", "three"} {
		assert.Equal(t, want, string(got[i].Data))
		assert.Equal(t, "127.0.0.1", got[i].Src.String())
	}
}

func TestSendDropsWhenFull(t *testing.T) {
	tr := unicastPair(t)

	// Nothing is draining the outbox.
	for i := 0; i < outboxSize; i++ {
		require.True(t, tr.Send([]byte("x")))
	}
	assert.False(t, tr.Send([]byte("x")))
}

func TestRunStopsOnContext(t *testing.T) {
	tr := unicastPair(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() { done <- tr.Run(ctx, func(Datagram) {}) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run didn't return")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := unicastPair(t)
	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
}

func TestOpen(t *testing.T) {
	tr, err := Open(context.Background(), log.NewNopLogger(), Config{
		ListenIP: net.IPv4zero,
		Group:    net.ParseIP("239.255.0.1"),
		Port:     0,
	})
	if err != nil {
		t.Skipf("no multicast here: %v", err)
	}
	assert.NoError(t, tr.Close())
}
