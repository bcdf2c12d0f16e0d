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

package shortid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	id := New()
	assert.Len(t, id, DefaultLength)
	for _, c := range id {
		assert.True(t, strings.ContainsRune(DefaultAlphabet, c), "character %q outside alphabet", c)
	}
}

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := New()
		require.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
	}
}

func TestNewWithLength(t *testing.T) {
	id, err := NewWithLength(8)
	require.NoError(t, err)
	assert.Len(t, id, 8)

	_, err = NewWithLength(0)
	assert.Error(t, err)
}

func TestNewWithAlphabet(t *testing.T) {
	tests := map[string]struct {
		alphabet string
		length   int
		wantErr  bool
	}{
		"binary":        {"01", 32, false},
		"hex":           {"0123456789abcdef", 16, false},
		"single char":   {"a", 4, true},
		"zero length":   {"abc", 0, true},
		"full alphabet": {DefaultAlphabet, DefaultLength, false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			id, err := NewWithAlphabet(tc.alphabet, tc.length)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, id, tc.length)
			for _, c := range id {
				assert.True(t, strings.ContainsRune(tc.alphabet, c))
			}
		})
	}
}
