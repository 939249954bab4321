package market

import (
	"context"
	"time"

	"roostoo-bot/pkg/exchanges/common"
	"roostoo-bot/pkg/exchanges/paper"
)

// PaperDriver moves paper exchange prices for dry runs. The feed polls the
// paper exchange exactly like the real one, so nothing downstream can tell
// the difference.
type PaperDriver struct {
	Exchange *paper.Exchange
	Prices   map[string]float64 // seed price per symbol
	Spread   float64            // fractional bid/ask spread around the seed
	Step     float64            // max fractional move per interval; 0 keeps prices still
	Interval time.Duration
}

// Seed publishes the starting quotes. Symbols without a positive price are
// skipped.
func (d *PaperDriver) Seed() {
	for sym, p := range d.Prices {
		if p <= 0 {
			continue
		}
		half := p * d.Spread / 2
		d.Exchange.SetPrice(common.Ticker{Symbol: sym, Last: p, Bid: p - half, Ask: p + half})
	}
}

// Run walks prices until ctx ends.
func (d *PaperDriver) Run(ctx context.Context) error {
	if d.Step <= 0 {
		<-ctx.Done()
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			d.Exchange.Walk(d.Step)
		}
	}
}
