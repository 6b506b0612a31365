// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package idempotency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transferParams struct {
	Amount   int    `json:"amount"`
	Currency string `json:"currency"`
	To       string `json:"to"`
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	params := map[string]any{"amount": 100, "currency": "EUR"}

	a, err := DeriveKey("tenant-1", "user-1", "transfer", params)
	require.NoError(t, err)
	b, err := DeriveKey("tenant-1", "user-1", "transfer", params)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, KeyLength)
}

func TestDeriveKeyIsOrderIndependent(t *testing.T) {
	fromStruct, err := DeriveKey("t", "u", "transfer", transferParams{Amount: 5, Currency: "USD", To: "acc-9"})
	require.NoError(t, err)

	fromMap, err := DeriveKey("t", "u", "transfer", map[string]any{"to": "acc-9", "currency": "USD", "amount": 5})
	require.NoError(t, err)

	fromJSON, err := DeriveKey("t", "u", "transfer", map[string]any{
		"currency": "USD",
		"to":       "acc-9",
		"amount":   5,
	})
	require.NoError(t, err)

	assert.Equal(t, fromStruct, fromMap)
	assert.Equal(t, fromMap, fromJSON)

	nestedA, err := DeriveKey("t", "u", "op", map[string]any{"outer": map[string]any{"x": 1, "y": []int{1, 2}}})
	require.NoError(t, err)
	nestedB, err := DeriveKey("t", "u", "op", map[string]any{"outer": map[string]any{"y": []int{1, 2}, "x": 1}})
	require.NoError(t, err)
	assert.Equal(t, nestedA, nestedB)
}

func TestDeriveKeyDistinguishesIdentity(t *testing.T) {
	base, err := DeriveKey("t", "u", "op", map[string]int{"n": 1})
	require.NoError(t, err)

	for name, args := range map[string][4]any{
		"tenant":    {"t2", "u", "op", map[string]int{"n": 1}},
		"user":      {"t", "u2", "op", map[string]int{"n": 1}},
		"operation": {"t", "u", "op2", map[string]int{"n": 1}},
		"params":    {"t", "u", "op", map[string]int{"n": 2}},
		"list":      {"t", "u", "op", []int{2, 1}},
	} {
		t.Run(name, func(t *testing.T) {
			k, err := DeriveKey(args[0].(string), args[1].(string), args[2].(string), args[3])
			require.NoError(t, err)
			assert.NotEqual(t, base, k)
		})
	}
}

func TestDeriveKeyValidation(t *testing.T) {
	_, err := DeriveKey("", "u", "op", nil)
	assert.True(t, IsValidation(err))

	_, err = DeriveKey("t", "u", "", nil)
	assert.True(t, IsValidation(err))

	_, err = DeriveKey("t", "u", "op", map[string]any{"ch": make(chan int)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "params", verr.Field)

	k, err := DeriveKey("t", "", "op", nil)
	require.NoError(t, err)
	assert.Len(t, k, KeyLength)
}
