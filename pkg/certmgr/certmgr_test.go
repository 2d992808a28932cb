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

package certmgr

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inclavare-containers/tng/pkg/attestation"
	"github.com/inclavare-containers/tng/pkg/runtime"
)

type fakeAgent struct {
	calls int
}

func (f *fakeAgent) CollectEvidence(ctx context.Context, args attestation.AttestArgs, bound []byte) (attestation.Evidence, error) {
	f.calls++
	return attestation.Evidence{Model: args.Model, Raw: []byte("evidence"), FromTEE: "tdx"}, nil
}

func newTestAttestArgs(t *testing.T, interval *time.Duration) attestation.AttestArgs {
	t.Helper()
	sock := t.TempDir() + "/aa.sock"
	f, err := os.Create(sock)
	require.NoError(t, err)
	f.Close()
	return attestation.AttestArgs{Model: attestation.ModelBackgroundCheck, AAAddr: sock, RefreshInterval: interval}
}

func TestGetLatestCertOnDemandReturnsDistinctObjects(t *testing.T) {
	t.Parallel()
	zero := time.Duration(0)
	args := newTestAttestArgs(t, &zero)
	agent := &fakeAgent{}

	m, err := New(context.Background(), args, agent)
	require.NoError(t, err)

	c1, err := m.GetLatestCert(context.Background())
	require.NoError(t, err)
	c2, err := m.GetLatestCert(context.Background())
	require.NoError(t, err)

	require.NotEqual(t, c1.Certificate, c2.Certificate)
	require.GreaterOrEqual(t, agent.calls, 3) // one at construction, two on-demand
}

func TestPeriodicRefreshPublishesWithinWindow(t *testing.T) {
	t.Parallel()
	interval := 50 * time.Millisecond
	args := newTestAttestArgs(t, &interval)
	agent := &fakeAgent{}

	m, err := New(context.Background(), args, agent)
	require.NoError(t, err)
	first, err := m.GetLatestCert(context.Background())
	require.NoError(t, err)

	sup := runtime.NewSupervisor(context.Background())
	require.NoError(t, m.LaunchRefreshTask(sup))
	require.Error(t, m.LaunchRefreshTask(sup), "second launch must be rejected")

	require.Eventually(t, func() bool {
		cur, err := m.GetLatestCert(context.Background())
		return err == nil && string(cur.Certificate) != string(first.Certificate)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Shutdown(time.Second))
}

func TestCertRefreshMonotonicPublish(t *testing.T) {
	t.Parallel()
	zero := time.Duration(0)
	args := newTestAttestArgs(t, &zero)
	m, err := New(context.Background(), args, &fakeAgent{})
	require.NoError(t, err)

	before := time.Now()
	cur, err := m.GetLatestCert(context.Background())
	require.NoError(t, err)
	require.False(t, cur.PublishedAt.Before(before.Add(-time.Second)))
}
