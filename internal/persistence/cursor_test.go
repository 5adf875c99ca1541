package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/rewards/internal/domain"
)

func TestCursorRoundTrip(t *testing.T) {
	cursor := &domain.Cursor{CreatedAt: time.Date(2025, 5, 4, 3, 2, 1, 500, time.UTC), ID: "entry-9"}

	decoded, err := DecodeCursor(EncodeCursor(cursor))
	require.NoError(t, err)
	require.True(t, cursor.CreatedAt.Equal(decoded.CreatedAt))
	require.Equal(t, cursor.ID, decoded.ID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	empty, err := DecodeCursor("  ")
	require.NoError(t, err)
	require.Nil(t, empty)

	_, err = DecodeCursor("!!!")
	require.Error(t, err)

	_, err = DecodeCursor(EncodeCursor(&domain.Cursor{CreatedAt: time.Now()})[:4])
	require.Error(t, err)
}

func TestBeforeOrdersNewestFirst(t *testing.T) {
	at := time.Date(2025, 5, 4, 0, 0, 0, 0, time.UTC)
	cursor := &domain.Cursor{CreatedAt: at, ID: "m"}

	require.True(t, Before(nil, at, "z"))
	require.True(t, Before(cursor, at.Add(-time.Second), "z"))
	require.True(t, Before(cursor, at, "a"))
	require.False(t, Before(cursor, at, "z"))
	require.False(t, Before(cursor, at.Add(time.Second), "a"))
}
