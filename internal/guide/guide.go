// Package guide enumerates the keys of a guide run: the time blocks covering
// the requested days and the series referenced by those blocks.
package guide

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"guidefetch/internal/core"
)

// BlockSpan is the duration covered by one block.
const BlockSpan = 3 * time.Hour

// BlocksPerDay is the number of blocks in a day.
const BlocksPerDay = int(24 * time.Hour / BlockSpan)

// BlockStart returns the start of the block containing t. Blocks start at
// UTC hours divisible by three.
func BlockStart(t time.Time) time.Time {
	return t.UTC().Truncate(BlockSpan)
}

// BlockID returns the identifier of the block starting at start, YYYYMMDDHH.
func BlockID(start time.Time) string {
	return start.UTC().Format("2006010215")
}

// ParseBlockID converts a block identifier back to its start time.
func ParseBlockID(id string) (time.Time, error) {
	t, err := time.ParseInLocation("2006010215", id, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid block id %q: %w", id, err)
	}
	if !t.Equal(BlockStart(t)) {
		return time.Time{}, fmt.Errorf("block id %q is not aligned to %s", id, BlockSpan)
	}
	return t, nil
}

// Lineup identifies the channel lineup to request.
type Lineup struct {
	LineupID    string
	HeadendID   string
	Country     string
	PostalCode  string
	AffiliateID string
	Device      string
}

// Enumerator builds targets for one lineup.
type Enumerator struct {
	lineup     Lineup
	gridURL    *url.URL
	detailsURL string
}

// NewEnumerator validates the endpoints and returns an enumerator.
func NewEnumerator(lineup Lineup, gridURL, detailsURL string) (*Enumerator, error) {
	grid, err := url.Parse(gridURL)
	if err != nil || grid.Scheme == "" || grid.Host == "" {
		return nil, fmt.Errorf("invalid grid url %q", gridURL)
	}
	details, err := url.Parse(detailsURL)
	if err != nil || details.Scheme == "" || details.Host == "" {
		return nil, fmt.Errorf("invalid details url %q", detailsURL)
	}
	if lineup.HeadendID == "" {
		lineup.HeadendID = "lineupId"
	}
	if lineup.Country == "" {
		lineup.Country = "USA"
	}
	if lineup.AffiliateID == "" {
		lineup.AffiliateID = "orbebb"
	}
	if lineup.Device == "" {
		lineup.Device = "-"
	}
	return &Enumerator{lineup: lineup, gridURL: grid, detailsURL: detailsURL}, nil
}

// Blocks returns the targets of the blocks covering days days from the block
// containing now, in chronological order.
func (e *Enumerator) Blocks(now time.Time, days int) []core.Target {
	start := BlockStart(now)
	n := days * BlocksPerDay
	targets := make([]core.Target, 0, n)
	for i := 0; i < n; i++ {
		s := start.Add(time.Duration(i) * BlockSpan)
		targets = append(targets, core.Target{
			Key:    core.BlockKey(BlockID(s)),
			Source: e.BlockLocator(s),
			Start:  s,
		})
	}
	return targets
}

// BlockLocator returns the grid request of the block starting at start.
func (e *Enumerator) BlockLocator(start time.Time) core.Locator {
	q := url.Values{}
	q.Set("aid", e.lineup.AffiliateID)
	q.Set("TMSID", "")
	q.Set("AffiliateID", "lat")
	q.Set("lineupId", e.lineup.LineupID)
	q.Set("timespan", strconv.Itoa(int(BlockSpan/time.Hour)))
	q.Set("headendId", e.lineup.HeadendID)
	q.Set("country", e.lineup.Country)
	q.Set("device", e.lineup.Device)
	q.Set("postalCode", e.lineup.PostalCode)
	q.Set("time", strconv.FormatInt(start.Unix(), 10))
	q.Set("isOverride", "true")
	q.Set("pref", "-")
	q.Set("userId", "-")

	u := *e.gridURL
	u.RawQuery = q.Encode()
	return core.Locator{Method: http.MethodGet, URL: u.String()}
}

// EntityLocator returns the details request of one series.
func (e *Enumerator) EntityLocator(seriesID string) core.Locator {
	body := url.Values{"programSeriesID": {seriesID}}.Encode()
	return core.Locator{
		Method:      http.MethodPost,
		URL:         e.detailsURL,
		Body:        []byte(body),
		ContentType: "application/x-www-form-urlencoded",
	}
}

// Entities returns the targets of the given series ids.
func (e *Enumerator) Entities(ids []string) []core.Target {
	targets := make([]core.Target, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, core.Target{Key: core.EntityKey(id), Source: e.EntityLocator(id)})
	}
	return targets
}

// SeriesIDs returns the distinct series ids referenced by a block payload in
// order of first appearance.
func SeriesIDs(payload []byte) []string {
	var ids []string
	seen := make(map[string]struct{})
	gjson.GetBytes(payload, "channels").ForEach(func(_, channel gjson.Result) bool {
		channel.Get("events").ForEach(func(_, event gjson.Result) bool {
			id := event.Get("program.seriesId").String()
			if id == "" {
				return true
			}
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
			return true
		})
		return true
	})
	return ids
}

// PayloadReader reads cached payloads.
type PayloadReader interface {
	GetCached(ctx context.Context, key core.Key) ([]byte, error)
}

// EntitiesFrom reads the cached payload of every block and returns the
// targets of the series they reference. Blocks without a usable payload are
// skipped and counted.
func (e *Enumerator) EntitiesFrom(ctx context.Context, r PayloadReader, blocks []core.Target) ([]core.Target, int, error) {
	var ids []string
	seen := make(map[string]struct{})
	skipped := 0

	for _, b := range blocks {
		if err := ctx.Err(); err != nil {
			return nil, skipped, err
		}
		payload, err := r.GetCached(ctx, b.Key)
		if err != nil {
			skipped++
			slog.Debug("block unavailable for series enumeration", "key", b.Key.String(), "error", err)
			continue
		}
		for _, id := range SeriesIDs(payload) {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}

	return e.Entities(ids), skipped, nil
}
