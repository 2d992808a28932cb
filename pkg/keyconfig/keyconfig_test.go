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

package keyconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSelfGeneratedStartsWithActiveKey(t *testing.T) {
	s, err := NewSelfGenerated(SelfGeneratedConfig{RotationInterval: time.Hour})
	require.NoError(t, err)

	key, err := s.GetKey()
	require.NoError(t, err)
	require.Equal(t, StatusActive, key.Status)
	require.NotNil(t, key.Public)
}

func TestSelfGeneratedRotateRetiresPrevious(t *testing.T) {
	s, err := NewSelfGenerated(SelfGeneratedConfig{RotationInterval: time.Hour})
	require.NoError(t, err)

	var events []Event
	s.RegisterCallback(func(ev Event, _ Key) { events = append(events, ev) })

	before, err := s.GetKey()
	require.NoError(t, err)

	s.rotate()

	after, err := s.GetKey()
	require.NoError(t, err)
	require.NotEqual(t, before.ID, after.ID)

	all := s.GetAllKeys()
	require.Len(t, all, 2)

	require.Equal(t, []Event{EventCreated, EventRemoved}, events)
}

func TestCallbackManagerFiresCreatedBeforeRemoved(t *testing.T) {
	var m CallbackManager
	var order []Event
	m.Register(func(ev Event, _ Key) { order = append(order, ev) })

	m.Rotate(Key{ID: 1}, &Key{ID: 2})
	require.Equal(t, []Event{EventCreated, EventRemoved}, order)
}

func TestCallbackManagerRegistrationOrder(t *testing.T) {
	var m CallbackManager
	var order []int
	m.Register(func(Event, Key) { order = append(order, 1) })
	m.Register(func(Event, Key) { order = append(order, 2) })

	m.Rotate(Key{ID: 1}, nil)
	require.Equal(t, []int{1, 2}, order)
}
