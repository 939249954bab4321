package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"roostoo-bot/internal/market"
	"roostoo-bot/internal/recorder"
)

// LoadCSV reads ticks with the header
//
//	time,symbol,bid,ask,last[,seq]
//
// time is RFC3339 or unix milliseconds. bid and ask may be empty, in which
// case last is used.
func LoadCSV(r io.Reader) ([]market.Tick, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, need := range []string{"time", "symbol", "last"} {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("missing column %q", need)
		}
	}

	var out []market.Tick
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		t, err := parseRow(rec, col)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, t)
	}
}

func parseRow(rec []string, col map[string]int) (market.Tick, error) {
	field := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	num := func(name string) (float64, error) {
		s := field(name)
		if s == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return v, nil
	}

	ts, err := parseTime(field("time"))
	if err != nil {
		return market.Tick{}, err
	}
	t := market.Tick{Symbol: field("symbol"), Time: ts}
	if t.Symbol == "" {
		return market.Tick{}, errors.New("empty symbol")
	}
	if t.Last, err = num("last"); err != nil {
		return market.Tick{}, err
	}
	if t.Last <= 0 {
		return market.Tick{}, fmt.Errorf("last must be > 0, got %v", t.Last)
	}
	if t.Bid, err = num("bid"); err != nil {
		return market.Tick{}, err
	}
	if t.Ask, err = num("ask"); err != nil {
		return market.Tick{}, err
	}
	if t.Bid == 0 {
		t.Bid = t.Last
	}
	if t.Ask == 0 {
		t.Ask = t.Last
	}
	if s := field("seq"); s != "" {
		if t.Seq, err = strconv.ParseUint(s, 10, 64); err != nil {
			return market.Tick{}, fmt.Errorf("seq: %w", err)
		}
	}
	return t, nil
}

func parseTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: want RFC3339 or unix millis", s)
	}
	return ts.UTC(), nil
}

// LoadFile reads a CSV file.
func LoadFile(path string) ([]market.Tick, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadCSV(f)
}

// LoadRecording reads every tick from a recorder directory.
func LoadRecording(dir string) ([]market.Tick, error) {
	r, err := recorder.Open(dir, nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}
