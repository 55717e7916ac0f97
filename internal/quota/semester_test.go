package quota

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrent(t *testing.T) {
	tests := []struct {
		month time.Month
		want  Semester
	}{
		{time.January, Winter(2024)},
		{time.May, Winter(2024)},
		{time.August, Winter(2024)},
		{time.September, Fall(2024)},
		{time.December, Fall(2024)},
	}
	for _, tt := range tests {
		t.Run(tt.month.String(), func(t *testing.T) {
			got := Current(time.Date(2024, tt.month, 15, 12, 0, 0, 0, time.UTC))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSemesterCompare(t *testing.T) {
	assert.True(t, Winter(2018).Before(Summer(2018)))
	assert.True(t, Summer(2018).Before(Fall(2018)))
	assert.True(t, Fall(2018).Before(Winter(2019)))
	assert.True(t, Fall(2019).After(Winter(2019)))
	assert.Equal(t, 0, Fall(2016).Compare(Fall(2016)))
}

func TestParseSemester(t *testing.T) {
	tests := []struct {
		in   string
		want Semester
	}{
		{"F2018", Fall(2018)},
		{"w2020", Winter(2020)},
		{"S2017", Summer(2017)},
		{"fall 2016", Fall(2016)},
		{"Winter-2019", Winter(2019)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSemester(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "X2018", "Fnope", "autumn 2018"} {
		_, err := ParseSemester(bad)
		assert.Error(t, err, bad)
	}
}

func TestSemesterJSON(t *testing.T) {
	in := []Semester{Fall(2018), Winter(2019)}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `["F2018","W2019"]`, string(b))

	var out []Semester
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}
