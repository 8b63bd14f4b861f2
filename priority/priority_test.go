package priority_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/truemark/albpriority/priority"
)

func TestValid(t *testing.T) {
	t.Parallel()

	assert.False(t, priority.Valid(0))
	assert.True(t, priority.Valid(1))
	assert.True(t, priority.Valid(50000))
	assert.False(t, priority.Valid(50001))
	assert.False(t, priority.Valid(-3))
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  int
		ok    bool
	}{
		{name: "plain number", input: "42", want: 42, ok: true},
		{name: "surrounding whitespace", input: " 7 ", want: 7, ok: true},
		{name: "upper bound", input: "50000", want: 50000, ok: true},
		{name: "default rule", input: "default", ok: false},
		{name: "empty", input: "", ok: false},
		{name: "trailing garbage", input: "12abc", ok: false},
		{name: "zero", input: "0", ok: false},
		{name: "above range", input: "60000", ok: false},
		{name: "negative", input: "-1", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := priority.Parse(tt.input)

			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSet(t *testing.T) {
	t.Parallel()

	t.Run("union merges without mutating inputs", func(t *testing.T) {
		t.Parallel()

		a := priority.NewSet(1, 3)
		b := priority.NewSet(3, 5)

		u := a.Union(b)

		assert.Equal(t, []int{1, 3, 5}, u.Sorted())
		assert.Equal(t, 2, a.Len())
		assert.Equal(t, 2, b.Len())
	})

	t.Run("has", func(t *testing.T) {
		t.Parallel()

		s := priority.NewSet(10)

		assert.True(t, s.Has(10))
		assert.False(t, s.Has(11))
	})

	t.Run("preview truncates", func(t *testing.T) {
		t.Parallel()

		s := priority.NewSet(5, 4, 3, 2, 1)

		assert.Equal(t, "1, 2, 3...", s.Preview(3))
		assert.Equal(t, "1, 2, 3, 4, 5", s.Preview(10))
		assert.Empty(t, priority.NewSet().Preview(10))
	})
}
