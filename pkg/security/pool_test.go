/*
Copyright 2024 Inclavare Containers Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package security

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inclavare-containers/tng/pkg/endpoint"
)

func TestPoolGetClientCachesOnFirstBuild(t *testing.T) {
	p := NewPool()
	key := PoolKey{Endpoint: endpoint.Endpoint{Host: "example.com", Port: 443}}

	var builds int32
	factory := func(ctx context.Context) (*Client, error) {
		atomic.AddInt32(&builds, 1)
		return &Client{}, nil
	}

	c1, err := p.GetClient(context.Background(), key, factory)
	require.NoError(t, err)
	c2, err := p.GetClient(context.Background(), key, factory)
	require.NoError(t, err)

	require.Same(t, c1, c2)
	require.Equal(t, int32(1), atomic.LoadInt32(&builds))
}

func TestPoolGetClientDistinctKeysDoNotShare(t *testing.T) {
	p := NewPool()
	keyA := PoolKey{Endpoint: endpoint.Endpoint{Host: "a.example.com", Port: 443}}
	keyB := PoolKey{Endpoint: endpoint.Endpoint{Host: "b.example.com", Port: 443}}

	factory := func(ctx context.Context) (*Client, error) { return &Client{}, nil }

	cA, err := p.GetClient(context.Background(), keyA, factory)
	require.NoError(t, err)
	cB, err := p.GetClient(context.Background(), keyB, factory)
	require.NoError(t, err)

	require.NotSame(t, cA, cB)
}

func TestPoolGetClientConcurrentMissesConverge(t *testing.T) {
	p := NewPool()
	key := PoolKey{Endpoint: endpoint.Endpoint{Host: "race.example.com", Port: 443}}

	factory := func(ctx context.Context) (*Client, error) { return &Client{}, nil }

	const n = 20
	results := make([]*Client, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			c, err := p.GetClient(context.Background(), key, factory)
			require.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, results[0], results[i])
	}
}

func TestPoolEvictRemovesEntry(t *testing.T) {
	p := NewPool()
	key := PoolKey{Endpoint: endpoint.Endpoint{Host: "evict.example.com", Port: 443}}

	var builds int32
	factory := func(ctx context.Context) (*Client, error) {
		atomic.AddInt32(&builds, 1)
		return &Client{}, nil
	}

	_, err := p.GetClient(context.Background(), key, factory)
	require.NoError(t, err)

	p.Evict(key)

	_, err = p.GetClient(context.Background(), key, factory)
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&builds))
}
