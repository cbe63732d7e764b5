/*
Copyright 2024 Blnk Finance Authors.

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

package paymentstate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_AllPairs(t *testing.T) {
	legal := map[[2]string]bool{
		{Created, AddressCreated}:  true,
		{Created, Processing}:      true,
		{Created, Pending}:         true,
		{AddressCreated, Pending}:  true,
		{AddressCreated, Confirmed}:true,
		{AddressCreated, Failed}:   true,
		{AddressCreated, Expired}:  true,
		{Processing, Confirmed}:    true,
		{Processing, Failed}:       true,
		{Processing, Expired}:      true,
		{Pending, Confirmed}:       true,
		{Pending, Failed}:          true,
		{Pending, Expired}:         true,
	}

	for _, from := range States() {
		for _, to := range States() {
			err := Validate(from, to)
			if legal[[2]string{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
				continue
			}
			require.Error(t, err, "%s -> %s", from, to)
			assert.True(t, errors.Is(err, ErrIllegalTransition), "%s -> %s", from, to)
		}
	}
}

func TestValidate_SameStateIsRejected(t *testing.T) {
	for _, s := range States() {
		err := Validate(s, s)
		assert.ErrorIs(t, err, ErrIllegalTransition, s)
	}
}

func TestValidate_InitialStates(t *testing.T) {
	for _, s := range []string{Created, AddressCreated, Pending} {
		assert.NoError(t, Validate("", s))
	}
	for _, s := range []string{Processing, Confirmed, Failed, Expired, "bogus"} {
		err := Validate("", s)
		assert.ErrorIs(t, err, ErrInvalidState, s)
	}
}

func TestValidate_UnknownCurrent(t *testing.T) {
	err := Validate("refunded", Confirmed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "refunded", te.From)
	assert.Equal(t, Confirmed, te.To)
}

func TestValidate_TerminalReason(t *testing.T) {
	err := Validate(Confirmed, Pending)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confirmed is terminal")
}

func TestTerminalAndNonTerminal(t *testing.T) {
	assert.True(t, IsTerminal(Confirmed))
	assert.True(t, IsTerminal(Failed))
	assert.True(t, IsTerminal(Expired))
	assert.False(t, IsTerminal(Pending))
	assert.False(t, IsTerminal("nope"))
	assert.ElementsMatch(t, []string{AddressCreated, Created, Pending, Processing}, NonTerminal())
	assert.Equal(t, []string{Confirmed, Expired, Failed}, NextStates(Pending))
	assert.True(t, IsValid(Processing))
	assert.False(t, IsValid(""))
}
