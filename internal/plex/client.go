// SPDX-License-Identifier: MIT

// Package plex is a thin JSON client for the media server. Every call is
// funneled through a process-wide token bucket and a concurrency cap;
// transient failures are retried with exponential backoff.
package plex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ManuGH/plexcached/internal/config"
)

// State of a playback session as reported by the server.
type State string

const (
	StatePlaying   State = "playing"
	StatePaused    State = "paused"
	StateBuffering State = "buffering"
)

// Session is one in-progress playback.
type Session struct {
	User     string
	Path     string
	State    State
	Progress float64 // fraction watched, [0, 1]
}

// Kind distinguishes movies from episodes.
type Kind string

const (
	KindMovie   Kind = "movie"
	KindEpisode Kind = "episode"
	KindShow    Kind = "show"
)

// Item is one library item with its on-disk file path.
type Item struct {
	RatingKey    string
	Kind         Kind
	Path         string
	ShowKey      string // grandparent rating key for episodes
	SeasonIndex  int
	EpisodeIndex int
	AddedAt      time.Time
	AiredAt      time.Time
	GUIDs        []string
}

// Aired reports whether the item has already aired.
func (i Item) Aired(now time.Time) bool {
	return !i.AiredAt.IsZero() && !i.AiredAt.After(now)
}

// MediaServer is the upstream surface the collectors and the session monitor
// consume. Client is the production implementation.
type MediaServer interface {
	Ping(ctx context.Context) error
	Sessions(ctx context.Context) ([]Session, error)
	OnDeck(ctx context.Context, user string) ([]Item, error)
	Watchlist(ctx context.Context, user string) ([]Item, error)
	ShowEpisodes(ctx context.Context, showKey string) ([]Item, error)
	FindByGUID(ctx context.Context, guid string) (Item, bool, error)
}

// Client talks to one Plex-compatible server.
type Client struct {
	base    string
	token   string
	http    *http.Client
	limiter *limiter
	retries int
}

// New builds a client from the plex configuration block.
func New(cfg config.PlexConfig) *Client {
	return &Client{
		base:    strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: newLimiter(cfg.APIDelay, cfg.MaxConcurrent),
		retries: cfg.MaxRetries,
	}
}

// errStatus carries the HTTP status for retry classification.
type errStatus struct {
	code int
	url  string
}

func (e *errStatus) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.url, e.code)
}

// Permanent reports whether the failure should not be retried (4xx).
func Permanent(err error) bool {
	var se *errStatus
	return errors.As(err, &se) && se.code >= 400 && se.code < 500
}

// get performs a rate-limited, retried GET and decodes the JSON body into v.
func (c *Client) get(ctx context.Context, path string, query url.Values, v any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.limiter.do(ctx, c.retries, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Plex-Token", c.token)

		res, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close() // nolint:errcheck

		if res.StatusCode != http.StatusOK {
			return &errStatus{code: res.StatusCode, url: u}
		}
		return json.NewDecoder(res.Body).Decode(v)
	})
}

// Ping verifies the server is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	var p struct {
		MediaContainer struct {
			Version string `json:"version"`
		} `json:"MediaContainer"`
	}
	return c.get(ctx, "/identity", nil, &p)
}

// metadata is the shared wire shape of library items.
type metadata struct {
	RatingKey            string `json:"ratingKey"`
	Type                 string `json:"type"`
	GrandparentRatingKey string `json:"grandparentRatingKey"`
	ParentIndex          int    `json:"parentIndex"`
	Index                int    `json:"index"`
	AddedAt              int64  `json:"addedAt"`
	OriginallyAvailable  string `json:"originallyAvailableAt"`
	GUID                 string `json:"guid"`
	Guids                []struct {
		ID string `json:"id"`
	} `json:"Guid"`
	Media []struct {
		Part []struct {
			File string `json:"file"`
		} `json:"Part"`
	} `json:"Media"`
	User *struct {
		Title string `json:"title"`
	} `json:"User"`
	Player *struct {
		State string `json:"state"`
	} `json:"Player"`
	ViewOffset int64 `json:"viewOffset"`
	Duration   int64 `json:"duration"`
}

type container struct {
	MediaContainer struct {
		Metadata []metadata `json:"Metadata"`
	} `json:"MediaContainer"`
}

func (m *metadata) item() (Item, bool) {
	it := Item{
		RatingKey:    m.RatingKey,
		ShowKey:      m.GrandparentRatingKey,
		SeasonIndex:  m.ParentIndex,
		EpisodeIndex: m.Index,
	}
	switch m.Type {
	case "movie":
		it.Kind = KindMovie
	case "episode":
		it.Kind = KindEpisode
	case "show":
		it.Kind = KindShow
	default:
		return Item{}, false
	}
	if len(m.Media) > 0 && len(m.Media[0].Part) > 0 {
		it.Path = m.Media[0].Part[0].File
	}
	// Shows are containers; everything else must point at a file.
	if it.Kind != KindShow && it.Path == "" {
		return Item{}, false
	}
	if m.AddedAt > 0 {
		it.AddedAt = time.Unix(m.AddedAt, 0)
	}
	if m.OriginallyAvailable != "" {
		if t, err := time.Parse("2006-01-02", m.OriginallyAvailable); err == nil {
			it.AiredAt = t
		}
	}
	if m.GUID != "" {
		it.GUIDs = append(it.GUIDs, m.GUID)
	}
	for _, g := range m.Guids {
		it.GUIDs = append(it.GUIDs, g.ID)
	}
	return it, true
}

// Sessions lists in-progress playbacks across all users.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var p container
	if err := c.get(ctx, "/status/sessions", nil, &p); err != nil {
		return nil, err
	}
	var out []Session
	for _, m := range p.MediaContainer.Metadata {
		if m.User == nil || m.Player == nil {
			continue
		}
		if len(m.Media) == 0 || len(m.Media[0].Part) == 0 {
			continue
		}
		s := Session{
			User:  m.User.Title,
			Path:  m.Media[0].Part[0].File,
			State: State(m.Player.State),
		}
		if m.Duration > 0 {
			s.Progress = float64(m.ViewOffset) / float64(m.Duration)
		}
		out = append(out, s)
	}
	return out, nil
}

// OnDeck fetches one user's OnDeck queue in server order.
func (c *Client) OnDeck(ctx context.Context, user string) ([]Item, error) {
	q := url.Values{}
	q.Set("userID", user)
	var p container
	if err := c.get(ctx, "/library/onDeck", q, &p); err != nil {
		return nil, err
	}
	return items(p), nil
}

// Watchlist fetches one user's watchlist.
func (c *Client) Watchlist(ctx context.Context, user string) ([]Item, error) {
	q := url.Values{}
	q.Set("userID", user)
	var p container
	if err := c.get(ctx, "/library/watchlist", q, &p); err != nil {
		return nil, err
	}
	return items(p), nil
}

// ShowEpisodes lists all episodes of a show ordered by season then episode.
func (c *Client) ShowEpisodes(ctx context.Context, showKey string) ([]Item, error) {
	var p container
	if err := c.get(ctx, "/library/metadata/"+url.PathEscape(showKey)+"/allLeaves", nil, &p); err != nil {
		return nil, err
	}
	eps := items(p)
	sort.SliceStable(eps, func(i, j int) bool {
		if eps[i].SeasonIndex != eps[j].SeasonIndex {
			return eps[i].SeasonIndex < eps[j].SeasonIndex
		}
		return eps[i].EpisodeIndex < eps[j].EpisodeIndex
	})
	return eps, nil
}

// FindByGUID looks an external GUID up in the local library.
func (c *Client) FindByGUID(ctx context.Context, guid string) (Item, bool, error) {
	q := url.Values{}
	q.Set("guid", guid)
	var p container
	err := c.get(ctx, "/library/all", q, &p)
	if err != nil {
		if Permanent(err) {
			return Item{}, false, nil
		}
		return Item{}, false, err
	}
	its := items(p)
	if len(its) == 0 {
		return Item{}, false, nil
	}
	return its[0], true, nil
}

func items(p container) []Item {
	var out []Item
	for _, m := range p.MediaContainer.Metadata {
		if it, ok := m.item(); ok {
			out = append(out, it)
		}
	}
	return out
}

var _ MediaServer = (*Client)(nil)
