package returns

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "returns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(ctx, Record{
			Date:   fmt.Sprintf("2026-08-%02d", i),
			Return: float64(i) / 1000,
			NAV:    100000 + float64(i),
		}))
	}

	window, err := s.Window(ctx, 3)
	require.NoError(t, err)
	require.Len(t, window, 3)
	// 升序返回最近三天
	assert.Equal(t, "2026-08-03", window[0].Date)
	assert.Equal(t, "2026-08-05", window[2].Date)

	values, err := s.Returns(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.003, 0.004, 0.005}, values)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestAppendUpsertByDate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Record{Date: "2026-08-21", Return: 0.01, NAV: 101000}))
	// 同日重跑覆盖而不是追加
	require.NoError(t, s.Append(ctx, Record{Date: "2026-08-21", Return: 0.012, NAV: 101200}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, ok, err := s.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.012, latest.Return)
	assert.Equal(t, 101200.0, latest.NAV)
}

func TestAppendRejectsBadDate(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Append(context.Background(), Record{Date: "21/08/2026", Return: 0.01}))
	assert.Error(t, s.Append(context.Background(), Record{Return: 0.01}))
}

func TestLatestEmpty(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Latest(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
