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
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// KeyLength is the number of hex characters kept from the SHA-256 digest.
const KeyLength = 32

// DeriveKey fingerprints a logical operation. The params value is normalised
// through a JSON round trip so structs, maps and differently ordered objects
// with the same content produce the same key in every process.
func DeriveKey(tenantID, userID, opType string, params any) (string, error) {
	if tenantID == "" {
		return "", &ValidationError{Field: "tenant_id", Reason: "must not be empty"}
	}
	if opType == "" {
		return "", &ValidationError{Field: "operation", Reason: "must not be empty"}
	}

	normalized, err := canonicalize(params)
	if err != nil {
		return "", &ValidationError{Field: "params", Reason: err.Error()}
	}

	body, err := json.Marshal(map[string]any{
		"tenant_id": tenantID,
		"user_id":   userID,
		"operation": opType,
		"params":    normalized,
	})
	if err != nil {
		return "", &ValidationError{Field: "params", Reason: err.Error()}
	}

	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])[:KeyLength], nil
}

// canonicalize converts v into plain maps, slices and json.Number values.
// encoding/json writes map keys in sorted order, which makes the re-encoded
// form independent of the original field or key order.
func canonicalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
