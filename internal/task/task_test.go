package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDuration(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	end := start.Add(90 * time.Second)

	require.Equal(t, int64(-1), Task{}.Duration())
	require.Equal(t, int64(-1), Task{StartedOn: &start}.Duration())
	require.Equal(t, int64(90), Task{StartedOn: &start, CompletedOn: &end}.Duration())
}

func TestNewTaskNormalize(t *testing.T) {
	t.Parallel()

	n, err := NewTask{
		Target: "  example.com ",
		Tags:   []string{" x", "x", "", "X", "  "},
	}.Normalize()
	require.NoError(t, err)
	require.Equal(t, "example.com", n.Target)
	require.Equal(t, DefaultPriority, n.Priority)
	require.Equal(t, []string{"x", "X"}, n.Tags)
	require.NotNil(t, n.Options)

	_, err = NewTask{Target: "   "}.Normalize()
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestNewTaskNormalizeOptions(t *testing.T) {
	t.Parallel()

	n, err := NewTask{Target: "example.com", Options: map[string]string{" depth ": " 2 "}}.Normalize()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"depth": "2"}, n.Options)
	require.Equal(t, n.Options, DecodeOptions(EncodeOptions(n.Options)))

	_, err = NewTask{Target: "example.com", Options: map[string]string{"cookie": "a=1,b=2"}}.Normalize()
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestNormalizeTagsEmpty(t *testing.T) {
	t.Parallel()

	require.Nil(t, NormalizeTags(nil))
	require.Empty(t, NormalizeTags([]string{" ", ""}))
}

func TestTaskCloneIsDeep(t *testing.T) {
	t.Parallel()

	started := time.Unix(10, 0)
	submit := int64(4)
	orig := Task{
		ID:        1,
		Options:   map[string]string{"a": "1"},
		Tags:      []string{"x"},
		StartedOn: &started,
		SubmitID:  &submit,
	}
	cp := orig.Clone()
	cp.Options["a"] = "2"
	cp.Tags[0] = "y"
	*cp.StartedOn = time.Unix(20, 0)
	*cp.SubmitID = 9

	require.Equal(t, "1", orig.Options["a"])
	require.Equal(t, "x", orig.Tags[0])
	require.Equal(t, time.Unix(10, 0), *orig.StartedOn)
	require.Equal(t, int64(4), *orig.SubmitID)
}
