//go:build property
// +build property

package canonicalize_test

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/helm-relay/pkg/canonicalize"
)

// writeObject renders obj with keys in the given order and arbitrary padding,
// emulating producers whose encoders disagree on layout.
func writeObject(obj map[string]string, keys []string, pad string) []byte {
	var buf bytes.Buffer
	buf.WriteString("{" + pad)
	for i, k := range keys {
		if i > 0 {
			buf.WriteString("," + pad)
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(obj[k])
		buf.Write(kb)
		buf.WriteString(pad + ":" + pad)
		buf.Write(vb)
	}
	buf.WriteString(pad + "}")
	return buf.Bytes()
}

// TestCanonicalizeOrderInvariance verifies that key order and whitespace never change the canonical bytes.
// Property: Canonicalize(layoutA(obj)) == Canonicalize(layoutB(obj))
func TestCanonicalizeOrderInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("key order and whitespace do not affect canonical form", prop.ForAll(
		func(keys []string, values []string, padLen int) bool {
			obj := make(map[string]string)
			for i := 0; i < len(keys) && i < len(values); i++ {
				obj[keys[i]] = values[i]
			}

			ordered := make([]string, 0, len(obj))
			for k := range obj {
				ordered = append(ordered, k)
			}
			sort.Strings(ordered)
			reversed := make([]string, len(ordered))
			for i, k := range ordered {
				reversed[len(ordered)-1-i] = k
			}

			a, errA := canonicalize.Canonicalize(writeObject(obj, ordered, ""))
			b, errB := canonicalize.Canonicalize(writeObject(obj, reversed, strings.Repeat(" \n\t", padLen)))
			if errA != nil || errB != nil {
				return false
			}
			return bytes.Equal(a, b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}

// TestCanonicalHashDeterminism verifies hashing of semantically equal values is stable.
func TestCanonicalHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hash of map equals hash of its canonical re-parse", prop.ForAll(
		func(k, v string, n int64) bool {
			obj := map[string]any{"k": k, "v": v, "n": n % (1 << 50)}
			raw, err := canonicalize.JCS(obj)
			if err != nil {
				return false
			}
			var back map[string]any
			if err := json.Unmarshal(raw, &back); err != nil {
				return false
			}
			again, err := canonicalize.JCS(back)
			return err == nil && canonicalize.HashBytes(raw) == canonicalize.HashBytes(again)
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
