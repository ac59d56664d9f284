package peakevents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func mkEvent(start, end time.Time) Event {
	return Event{
		Offre:        "CPC-D",
		PlageHoraire: "AM",
		DateDebut:    start,
		DateFin:      end,
	}
}

func TestHTTPClientFetchAndCache(t *testing.T) {
	var calls int32
	events := []Event{
		mkEvent(
			time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC),
			time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC),
		),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/peak-events", r.URL.Path)
		json.NewEncoder(w).Encode(events)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL, testLogger())
	require.NoError(t, err)
	client.now = func() time.Time { return time.Date(2025, 1, 15, 7, 0, 0, 0, time.UTC) }

	got, err := client.PeakEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "CPC-D", got[0].Offre)

	// Second call inside the same day hits the cache.
	_, err = client.PeakEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Next day invalidates the cache key.
	client.now = func() time.Time { return time.Date(2025, 1, 16, 7, 0, 0, 0, time.UTC) }
	_, err = client.PeakEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPClientRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode([]Event{})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL, testLogger())
	require.NoError(t, err)

	got, err := client.PeakEvents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFileClient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peak-events.json")
	content := `[{
		"offre": "CPC-D",
		"plagehoraire": "PM",
		"datedebut": "2025-01-15T21:00:00Z",
		"datefin": "2025-01-16T01:00:00Z"
	}]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	events, err := NewFileClient(path).PeakEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "PM", events[0].PlageHoraire)
	assert.Equal(t, time.Date(2025, 1, 15, 21, 0, 0, 0, time.UTC), events[0].DateDebut)
}

func TestNewClientPrefersExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peak-events.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0644))

	client, err := NewClient("http://hems.example", path, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &FileClient{}, client)

	client, err = NewClient("http://hems.example", filepath.Join(t.TempDir(), "missing.json"), testLogger())
	require.NoError(t, err)
	assert.IsType(t, &HTTPClient{}, client)
}

func TestNext(t *testing.T) {
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	morning := mkEvent(
		time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC),
	)
	evening := mkEvent(
		time.Date(2025, 1, 15, 17, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 15, 20, 0, 0, 0, time.UTC),
	)
	tomorrow := mkEvent(
		time.Date(2025, 1, 16, 6, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 16, 9, 0, 0, 0, time.UTC),
	)

	t.Run("no events", func(t *testing.T) {
		assert.Nil(t, Next(nil, now))
	})

	t.Run("only other days", func(t *testing.T) {
		assert.Nil(t, Next([]Event{tomorrow}, now))
	})

	t.Run("upcoming event", func(t *testing.T) {
		ev := Next([]Event{evening, morning, tomorrow}, now)
		require.NotNil(t, ev)
		assert.Equal(t, evening.DateDebut, ev.DateDebut)
	})

	t.Run("ongoing event", func(t *testing.T) {
		during := time.Date(2025, 1, 15, 18, 0, 0, 0, time.UTC)
		ev := Next([]Event{morning, evening}, during)
		require.NotNil(t, ev)
		assert.Equal(t, evening.DateDebut, ev.DateDebut)
	})

	t.Run("all finished", func(t *testing.T) {
		late := time.Date(2025, 1, 15, 23, 0, 0, 0, time.UTC)
		assert.Nil(t, Next([]Event{morning, evening}, late))
	})
}
