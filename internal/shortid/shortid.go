// Copyright Project Relay Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shortid generates uniformly distributed short identifiers
// over a configurable alphabet using rejection sampling, which avoids
// the modulo bias of the naive byte-mod-alphabet approach.
package shortid

import (
	"crypto/rand"
	"fmt"
	"math/bits"
)

// DefaultAlphabet is a 64 character URL-safe set.
const DefaultAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

// DefaultLength yields 126 bits of entropy over DefaultAlphabet.
const DefaultLength = 21

// New returns an identifier of DefaultLength over DefaultAlphabet.
func New() string {
	id, _ := NewWithAlphabet(DefaultAlphabet, DefaultLength)
	return id
}

// NewWithLength returns an identifier of length n over DefaultAlphabet.
func NewWithLength(n int) (string, error) {
	return NewWithAlphabet(DefaultAlphabet, n)
}

// NewWithAlphabet returns an identifier of length n drawn uniformly
// from alphabet. The alphabet must contain between 2 and 256 distinct
// characters.
func NewWithAlphabet(alphabet string, n int) (string, error) {
	if n < 1 {
		return "", fmt.Errorf("invalid id length %d", n)
	}
	if len(alphabet) < 2 || len(alphabet) > 256 {
		return "", fmt.Errorf("alphabet must hold 2..256 characters, got %d", len(alphabet))
	}

	// Mask to the next power of two >= len(alphabet); bytes whose
	// masked value falls outside the alphabet are rejected, keeping
	// the distribution uniform.
	mask := byte(1<<bits.Len(uint(len(alphabet)-1)) - 1)

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("unable to read random bytes: %w", err)
		}
		for _, b := range buf {
			if idx := b & mask; int(idx) < len(alphabet) {
				out = append(out, alphabet[idx])
				if len(out) == n {
					return string(out), nil
				}
			}
		}
	}
}
