package cash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenomination_Valid(t *testing.T) {
	valid := []int64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 20000, 50000}
	for _, v := range valid {
		d, err := NewDenomination(v)
		assert.NoError(t, err)
		assert.True(t, d.Valid())
	}

	invalid := []int64{0, -1, 3, 25, 150, 300, 99, 100000}
	for _, v := range invalid {
		_, err := NewDenomination(v)
		assert.Error(t, err, "面额 %d 应被拒绝", v)
	}
}

func TestDenomination_String(t *testing.T) {
	cases := map[int64]string{
		1:     "1c",
		50:    "50c",
		100:   "1E",
		200:   "2E",
		500:   "5E",
		1000:  "10E",
		50000: "500E",
	}
	for cents, want := range cases {
		d, err := NewDenomination(cents)
		require.NoError(t, err)
		assert.Equal(t, want, d.String())

		back, err := ParseDenomination(want)
		require.NoError(t, err)
		assert.Equal(t, d, back)
	}
}

func TestState_Algebra(t *testing.T) {
	a, err := FromCounts(map[Denomination]int64{10: 13, 200: 53})
	require.NoError(t, err)
	b, err := FromCounts(map[Denomination]int64{10: -3, 500: 7})
	require.NoError(t, err)

	// -(-a) == a
	assert.True(t, a.Neg().Neg().Equal(a))

	// a - a == 0
	assert.True(t, a.Sub(a).IsZero())

	// (a+b).Sum() == a.Sum() + b.Sum()
	assert.Equal(t, a.Sum()+b.Sum(), a.Add(b).Sum())

	// 零数量条目折叠
	c := a.Add(a.Neg())
	assert.True(t, c.IsZero())
	assert.Equal(t, "//", c.String())
}

func TestState_Sum(t *testing.T) {
	s, err := FromCounts(map[Denomination]int64{10: 13, 200: 53})
	require.NoError(t, err)
	assert.Equal(t, int64(13*10+53*200), s.Sum())
	assert.Equal(t, int64(66), s.Pieces())
}

func TestState_TextRoundTrip(t *testing.T) {
	s, err := FromCounts(map[Denomination]int64{10: 13, 20000: 53})
	require.NoError(t, err)
	assert.Equal(t, "/13x10c,53x200E/", s.String())

	back, err := ParseState(s.String())
	require.NoError(t, err)
	assert.True(t, s.Equal(back))

	empty, err := ParseState("//")
	require.NoError(t, err)
	assert.True(t, empty.IsZero())
}

func TestState_TextRejects(t *testing.T) {
	for _, bad := range []string{"", "/", "13x10c", "/x10c/", "/13x/", "/13x10q/", "/13x3c/"} {
		_, err := ParseState(bad)
		assert.Error(t, err, "%q 应被拒绝", bad)
	}
}

func TestState_JSONRoundTrip(t *testing.T) {
	s, err := FromCounts(map[Denomination]int64{200: 5, 100: 3})
	require.NoError(t, err)

	data, err := s.ToJSON()
	require.NoError(t, err)

	back, err := FromJSON(data)
	require.NoError(t, err)
	assert.True(t, s.Equal(back))

	// 键为分值字符串
	assert.Contains(t, data, `"200":5`)
	assert.Contains(t, data, `"100":3`)
}

func TestState_JSONRejectsBadDenomination(t *testing.T) {
	_, err := FromJSON(`{"3": 1}`)
	assert.Error(t, err)

	_, err = FromJSON(`{"abc": 1}`)
	assert.Error(t, err)
}

func TestState_NegativeCounts(t *testing.T) {
	// 差额允许负数量
	s, err := FromCounts(map[Denomination]int64{100: -2})
	require.NoError(t, err)
	assert.Equal(t, int64(-200), s.Sum())

	back, err := ParseState(s.String())
	require.NoError(t, err)
	assert.True(t, s.Equal(back))
}

func TestState_Immutability(t *testing.T) {
	a := MustSingle(100, 3)
	before := a.String()

	_ = a.Add(MustSingle(200, 1))
	_ = a.Neg()
	_ = a.Sub(MustSingle(100, 1))

	assert.Equal(t, before, a.String())
}
