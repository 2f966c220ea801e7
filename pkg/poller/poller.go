// Package poller watches the device for new events (received SMS) and
// forwards each one exactly once per process lifetime.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"Relay/pkg/cache"
	"Relay/pkg/types"
)

// ErrInvalidListing is returned when a source does not produce a JSON array.
var ErrInvalidListing = errors.New("poller: listing is not a JSON array")

// Source lists recent events as a JSON array, newest first.
type Source interface {
	List(ctx context.Context) (string, error)
}

// Sink receives new events.
type Sink interface {
	Send(msg types.Message) error
}

// Config tunes a Poller.
type Config struct {
	Interval time.Duration
	// Type is the outbound message type, sms_received by default.
	Type string
	// SkipBacklog records the events present at the first cycle without
	// forwarding them.
	SkipBacklog bool
	Cache       *cache.Dedup
	Logger      zerolog.Logger
}

// Poller periodically lists events and forwards the unseen ones.
type Poller struct {
	src      Source
	sink     Sink
	cfg      Config
	seen     *cache.Dedup
	log      zerolog.Logger
	interval atomic.Int64
	cycles   atomic.Int64
}

// New creates a poller. A nil cache gets the default bounds.
func New(src Source, sink Sink, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.Type == "" {
		cfg.Type = types.TypeSMSReceived
	}
	seen := cfg.Cache
	if seen == nil {
		seen = cache.New(cache.Config{})
	}
	p := &Poller{
		src:  src,
		sink: sink,
		cfg:  cfg,
		seen: seen,
		log:  cfg.Logger.With().Str("module", "poller").Logger(),
	}
	p.interval.Store(int64(cfg.Interval))
	return p
}

// SetInterval changes the delay between cycles, effective after the current wait.
func (p *Poller) SetInterval(d time.Duration) {
	if d > 0 {
		p.interval.Store(int64(d))
	}
}

// Interval returns the current delay between cycles.
func (p *Poller) Interval() time.Duration { return time.Duration(p.interval.Load()) }

// Seen exposes the dedup cache.
func (p *Poller) Seen() *cache.Dedup { return p.seen }

// Run polls until ctx is done. Cycle errors are logged and the loop continues.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info().Dur("interval", p.Interval()).Msg("Poller started")
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("Poll cycle failed")
		}
		timer := time.NewTimer(p.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			p.log.Info().Msg("Poller stopped")
			return
		case <-timer.C:
		}
	}
}

// Poll runs one cycle and returns the number of events forwarded. The
// cache is trimmed at the end of every cycle.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	first := p.cycles.Add(1) == 1
	defer p.seen.Trim()

	raw, err := p.src.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}
	if !gjson.Valid(raw) {
		return 0, ErrInvalidListing
	}
	listing := gjson.Parse(raw)
	if !listing.IsArray() {
		return 0, ErrInvalidListing
	}

	var fresh []gjson.Result
	listing.ForEach(func(_, item gjson.Result) bool {
		if p.seen.Add(EventID(item)) {
			fresh = append(fresh, item)
		}
		return true
	})
	if first && p.cfg.SkipBacklog {
		p.log.Debug().Int("skipped", len(fresh)).Msg("Backlog recorded")
		return 0, nil
	}

	sent := 0
	for i := len(fresh) - 1; i >= 0; i-- {
		msg := types.Message{
			"type": p.cfg.Type,
			"data": json.RawMessage(fresh[i].Raw),
		}
		if err := p.sink.Send(msg); err != nil {
			p.log.Debug().Err(err).Msg("Event not delivered")
			continue
		}
		sent++
	}
	if sent > 0 {
		p.log.Info().Int("count", sent).Msg("Forwarded new events")
	}
	return sent, nil
}

// EventID identifies an event by its id, _id or date field, falling back
// to the raw JSON.
func EventID(item gjson.Result) string {
	for _, key := range []string{"id", "_id", "date"} {
		if v := item.Get(key); v.Exists() && v.String() != "" {
			if v.Type == gjson.Number {
				return key + ":" + strconv.FormatFloat(v.Num, 'f', -1, 64)
			}
			return key + ":" + v.String()
		}
	}
	return "raw:" + item.Raw
}
