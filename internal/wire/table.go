package wire

import (
	"fmt"
	"sort"
)

// Table is an AMQP field table. Values are Go types mapped to type-tagged wire values:
// bool(t) int8(b) uint8(B) int16(s) uint16(u) int32(I) uint32(i) int64(l) float32(f)
// float64(d) Decimal(D) string(S) []byte(x) []any(A) time.Time(T) Table(F) nil(V).
type Table map[string]any

func (t Table) sortedKeys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decimal is the AMQP decimal-value: Value scaled down by 10^Scale.
type Decimal struct {
	Scale uint8
	Value int32
}

func (d Decimal) String() string {
	if d.Scale == 0 {
		return fmt.Sprintf("%d", d.Value)
	}
	neg := d.Value < 0
	v := int64(d.Value)
	if neg {
		v = -v
	}
	s := fmt.Sprintf("%0*d", int(d.Scale)+1, v)
	cut := len(s) - int(d.Scale)
	out := s[:cut] + "." + s[cut:]
	if neg {
		out = "-" + out
	}
	return out
}
