package index

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterEqualMask(t *testing.T) {
	fi := NewFilterIndex(nil)
	fi.Add("color", 1, 10)
	fi.Add("color", 2, 11)
	fi.Add("color", 2, 12)

	mask := fi.Mask("color", OpEqual, 2)
	assert.Equal(t, uint64(2), mask.GetCardinality())
	assert.True(t, mask.Contains(11))
	assert.True(t, mask.Contains(12))
}

func TestFilterNotEqualMask(t *testing.T) {
	fi := NewFilterIndex(nil)
	fi.Add("color", 1, 10)
	fi.Add("color", 2, 11)
	fi.Add("color", 3, 12)

	mask := fi.Mask("color", OpNotEqual, 2)
	assert.Equal(t, uint64(2), mask.GetCardinality())
	assert.True(t, mask.Contains(10))
	assert.True(t, mask.Contains(12))
}

func TestFilterUnknownFieldEmptyMask(t *testing.T) {
	fi := NewFilterIndex(nil)
	assert.True(t, fi.Mask("nope", OpEqual, 1).IsEmpty())
	assert.True(t, fi.Mask("nope", OpNotEqual, 1).IsEmpty())
}

func TestFilterUpdateMovesID(t *testing.T) {
	fi := NewFilterIndex(nil)
	fi.Add("color", 1, 10)

	old := int64(1)
	fi.Update("color", &old, 2, 10)

	assert.True(t, fi.Mask("color", OpEqual, 1).IsEmpty())
	assert.True(t, fi.Mask("color", OpEqual, 2).Contains(10))
	// The emptied value-1 bitmap is pruned, so NOT_EQUAL(2) sees
	// nothing left to union.
	assert.True(t, fi.Mask("color", OpNotEqual, 2).IsEmpty())
}

func TestFilterUpdateWithoutOldValue(t *testing.T) {
	fi := NewFilterIndex(nil)
	fi.Update("size", nil, 5, 42)
	assert.True(t, fi.Mask("size", OpEqual, 5).Contains(42))
}

func TestFilterSerializeRoundTrip(t *testing.T) {
	fi := NewFilterIndex(nil)
	fi.Add("color", 1, 10)
	fi.Add("color", 2, 11)
	fi.Add("size", -3, 12)

	data, err := fi.Serialize()
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(data, "\n"))

	restored := NewFilterIndex(nil)
	restored.Deserialize(data)

	assert.True(t, restored.Mask("color", OpEqual, 1).Contains(10))
	assert.True(t, restored.Mask("color", OpEqual, 2).Contains(11))
	assert.True(t, restored.Mask("size", OpEqual, -3).Contains(12))
}

func TestFilterSerializeDeterministic(t *testing.T) {
	fi := NewFilterIndex(nil)
	fi.Add("b", 2, 1)
	fi.Add("a", 1, 2)
	fi.Add("a", 3, 3)

	first, err := fi.Serialize()
	require.NoError(t, err)
	second, err := fi.Serialize()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFilterDeserializeSkipsGarbage(t *testing.T) {
	fi := NewFilterIndex(nil)
	fi.Add("color", 1, 10)
	good, err := fi.Serialize()
	require.NoError(t, err)

	mixed := "not a posting\n" + good + "color|notanint|AAAA\n"

	restored := NewFilterIndex(nil)
	restored.Deserialize(mixed)
	assert.True(t, restored.Mask("color", OpEqual, 1).Contains(10))
}
