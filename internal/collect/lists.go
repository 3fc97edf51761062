// SPDX-License-Identifier: MIT

package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ManuGH/plexcached/internal/config"
	"github.com/ManuGH/plexcached/internal/log"
	"github.com/ManuGH/plexcached/internal/plex"
	"github.com/ManuGH/plexcached/internal/store"
	"github.com/rs/zerolog"
)

// ListEntry is one ranked item from an external list provider.
type ListEntry struct {
	Title string   `json:"title"`
	Year  int      `json:"year"`
	GUIDs []string `json:"guids"`
}

// Provider fetches ranked entries for one external list. Implementations are
// pluggable; HTTPProvider is the reference implementation.
type Provider interface {
	ID() string
	Fetch(ctx context.Context, limit int) ([]ListEntry, error)
}

// HTTPProvider fetches a JSON array of list entries from a custom URL.
type HTTPProvider struct {
	id     string
	url    string
	client *http.Client
}

// NewHTTPProvider builds a provider for one configured list.
func NewHTTPProvider(cfg config.ListConfig) *HTTPProvider {
	return &HTTPProvider{
		id:     cfg.ID,
		url:    cfg.URL,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPProvider) ID() string { return p.id }

func (p *HTTPProvider) Fetch(ctx context.Context, limit int) ([]ListEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	res, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close() // nolint:errcheck
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list %s: unexpected status %d", p.id, res.StatusCode)
	}
	var entries []ListEntry
	if err := json.NewDecoder(res.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("list %s: decode: %w", p.id, err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Lists resolves external list entries against the local library. In strict
// mode the top count entries are taken as-is; in fill mode the list is
// walked down to fill_limit until count entries are locally available.
type Lists struct {
	server    plex.MediaServer
	cfg       *config.AppConfig
	providers []Provider
	logger    zerolog.Logger
}

// NewLists builds the list collector. Providers default to HTTPProvider per
// configured list; tests inject their own.
func NewLists(server plex.MediaServer, cfg *config.AppConfig, providers []Provider) *Lists {
	if providers == nil {
		for _, lc := range cfg.Lists {
			providers = append(providers, NewHTTPProvider(lc))
		}
	}
	return &Lists{
		server:    server,
		cfg:       cfg,
		providers: providers,
		logger:    log.WithComponent("collect.lists"),
	}
}

func (l *Lists) Name() string { return "lists" }

func (l *Lists) Collect(ctx context.Context) Result {
	if len(l.providers) == 0 {
		return skipped(l.Name(), store.SourceList)
	}
	anyUser := len(enabledUsers(l.cfg, func(p config.UserPolicy) bool { return p.Lists })) > 0
	if !anyUser {
		return skipped(l.Name(), store.SourceList)
	}

	res := Result{Name: l.Name(), Source: store.SourceList, Status: StatusOK}
	var lastErr error
	failures := 0
	for _, prov := range l.providers {
		lc, ok := l.listConfig(prov.ID())
		if !ok {
			continue
		}
		cands, err := l.collectOne(ctx, prov, lc)
		if err != nil {
			failures++
			lastErr = err
			l.logger.Warn().
				Err(err).
				Str("list_id", prov.ID()).
				Str(log.FieldEvent, "collect.lists.provider_failed").
				Msg("list provider failed")
			continue
		}
		res.Candidates = append(res.Candidates, cands...)
	}
	if failures == len(l.providers) && lastErr != nil {
		return failed(l.Name(), store.SourceList, lastErr)
	}
	return res
}

func (l *Lists) listConfig(id string) (config.ListConfig, bool) {
	for _, lc := range l.cfg.Lists {
		if lc.ID == id {
			return lc, true
		}
	}
	return config.ListConfig{}, false
}

func (l *Lists) collectOne(ctx context.Context, prov Provider, lc config.ListConfig) ([]Candidate, error) {
	fetchLimit := lc.Count
	fill := strings.EqualFold(lc.Mode, "fill")
	if fill {
		fetchLimit = lc.FillLimit
	}
	entries, err := prov.Fetch(ctx, fetchLimit)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for rank, entry := range entries {
		if fill && len(out) >= lc.Count {
			break
		}
		if !fill && rank >= lc.Count {
			break
		}
		item, found, err := l.resolve(ctx, entry)
		if err != nil {
			return out, err
		}
		if !found {
			// Strict mode burns the slot; fill mode walks on.
			continue
		}
		out = append(out, Candidate{
			Path:   item.Path,
			Source: store.SourceList,
			User:   ListUser,
			Hint:   Hint{ListID: lc.ID, Rank: rank},
		})
	}
	return out, nil
}

// resolve looks a list entry up in the local library by any of its GUIDs.
func (l *Lists) resolve(ctx context.Context, entry ListEntry) (plex.Item, bool, error) {
	for _, guid := range entry.GUIDs {
		item, found, err := l.server.FindByGUID(ctx, guid)
		if err != nil {
			return plex.Item{}, false, err
		}
		if found && item.Path != "" {
			return item, true, nil
		}
	}
	return plex.Item{}, false, nil
}
