// Package peakevents retrieves grid peak ("GDP") events from the HEMS
// backend. During these events participating buildings shed heating load
// in exchange for utility credits, so the controller adjusts zone targets
// around them.
package peakevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

var (
	ErrRequest = errors.New("error fetching peak events")
	ErrStatus  = errors.New("error status from peak events API")
)

const (
	fetchAttempts = 5
	retryDelay    = time.Second
)

// Event is one utility peak event, as served by the HEMS API. Field names
// follow the Hydro-Quebec open data schema.
type Event struct {
	Offre         string    `json:"offre"`
	PlageHoraire  string    `json:"plagehoraire"`
	Duree         string    `json:"duree"`
	SecteurClient string    `json:"secteurclient"`
	DateDebut     time.Time `json:"datedebut"`
	DateFin       time.Time `json:"datefin"`
}

// Client fetches the peak event calendar.
type Client interface {
	PeakEvents(ctx context.Context) ([]Event, error)
}

// HTTPClient fetches events from {baseURL}/peak-events with bounded retry
// and a per-day LRU cache, since the calendar rarely changes within a day
// and the loop would otherwise refetch it every five minutes.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	cache   *lru.Cache
	logger  *logrus.Logger
	now     func() time.Time
}

func NewHTTPClient(baseURL string, logger *logrus.Logger) (*HTTPClient, error) {
	cache, err := lru.New(7)
	if err != nil {
		return nil, err
	}

	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		cache:   cache,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (c *HTTPClient) PeakEvents(ctx context.Context) ([]Event, error) {
	day := c.now().Format("2006-01-02")
	if cached, ok := c.cache.Get(day); ok {
		return cached.([]Event), nil
	}

	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrRequest, ctx.Err())
			}
		}

		events, err := c.fetch(ctx)
		if err == nil {
			c.cache.Add(day, events)
			return events, nil
		}

		lastErr = err
		c.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
		}).Warn("Peak event fetch failed")
	}

	return nil, lastErr
}

func (c *HTTPClient) fetch(ctx context.Context) ([]Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/peak-events", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: got %d", ErrStatus, resp.StatusCode)
	}

	var events []Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("failed to decode peak events: %v", err)
	}

	return events, nil
}

// FileClient reads events from a local JSON file. Used for bench setups
// without a reachable HEMS backend.
type FileClient struct {
	path string
}

func NewFileClient(path string) *FileClient {
	return &FileClient{path: path}
}

func (c *FileClient) PeakEvents(ctx context.Context) ([]Event, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}

	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to decode peak events file: %v", err)
	}

	return events, nil
}

// NewClient selects the file-backed client when the mock events file
// exists, otherwise the HEMS API client.
func NewClient(apiBaseURL, eventsFile string, logger *logrus.Logger) (Client, error) {
	if eventsFile != "" {
		if _, err := os.Stat(eventsFile); err == nil {
			logger.WithFields(logrus.Fields{
				"path": eventsFile,
			}).Debug("Using peak events from local file")
			return NewFileClient(eventsFile), nil
		}
	}

	logger.WithFields(logrus.Fields{
		"url": apiBaseURL,
	}).Debug("Using peak events from HEMS API")
	return NewHTTPClient(apiBaseURL, logger)
}

// Next returns today's ongoing event if one is active, otherwise today's
// next upcoming event, otherwise nil.
func Next(events []Event, now time.Time) *Event {
	var today []Event
	for _, ev := range events {
		if sameDay(ev.DateDebut.In(now.Location()), now) {
			today = append(today, ev)
		}
	}

	if len(today) == 0 {
		return nil
	}

	sort.Slice(today, func(i, j int) bool {
		return today[i].DateDebut.Before(today[j].DateDebut)
	})

	for i := range today {
		ev := today[i]
		if !now.Before(ev.DateDebut) && !now.After(ev.DateFin) {
			return &ev
		}
		if now.Before(ev.DateDebut) {
			return &ev
		}
	}

	return nil
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
