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

package attestation

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRaArgsConstruction(t *testing.T) {
	t.Parallel()

	sock, err := os.CreateTemp(t.TempDir(), "aa.sock")
	require.NoError(t, err)
	sock.Close()

	t.Run("no_ra is valid alone", func(t *testing.T) {
		t.Parallel()
		r := NoRa()
		require.True(t, r.IsNoRa())
	})

	t.Run("attest only requires existing aa socket", func(t *testing.T) {
		t.Parallel()
		_, err := AttestOnly(AttestArgs{Model: ModelPassport, AAAddr: "/does/not/exist"})
		require.Error(t, err)

		r, err := AttestOnly(AttestArgs{Model: ModelPassport, AAAddr: sock.Name()})
		require.NoError(t, err)
		a, ok := r.Attest()
		require.True(t, ok)
		require.Equal(t, DefaultEvidenceRefresh, a.EffectiveRefresh())
	})

	t.Run("zero refresh interval means fetch on every use", func(t *testing.T) {
		t.Parallel()
		zero := time.Duration(0)
		r, err := AttestOnly(AttestArgs{Model: ModelBackgroundCheck, AAAddr: sock.Name(), RefreshInterval: &zero})
		require.NoError(t, err)
		a, _ := r.Attest()
		require.Equal(t, time.Duration(0), a.EffectiveRefresh())
	})

	t.Run("verify only background_check requires as_addr", func(t *testing.T) {
		t.Parallel()
		_, err := VerifyOnly(VerifyArgs{Model: ModelBackgroundCheck})
		require.Error(t, err)

		_, err = VerifyOnly(VerifyArgs{Model: ModelBackgroundCheck, ASAddr: "http://192.168.1.254:8080/"})
		require.NoError(t, err)
	})

	t.Run("verify only passport needs no as_addr", func(t *testing.T) {
		t.Parallel()
		_, err := VerifyOnly(VerifyArgs{Model: ModelPassport, PolicyIDs: []string{"default"}})
		require.NoError(t, err)
	})

	t.Run("neither side set is invalid", func(t *testing.T) {
		t.Parallel()
		r := RaArgs{}
		require.Error(t, r.validate())
	})

	t.Run("attest and verify together", func(t *testing.T) {
		t.Parallel()
		r, err := AttestAndVerify(
			AttestArgs{Model: ModelPassport, AAAddr: sock.Name()},
			VerifyArgs{Model: ModelPassport},
		)
		require.NoError(t, err)
		_, ok := r.Attest()
		require.True(t, ok)
		_, ok = r.Verify()
		require.True(t, ok)
	})
}
