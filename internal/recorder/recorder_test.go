package recorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roostoo-bot/internal/market"
)

var base = time.UnixMilli(1700000000000).UTC()

func tk(symbol string, seq uint64, offset time.Duration, last float64) market.Tick {
	return market.Tick{Symbol: symbol, Bid: last, Ask: last, Last: last, Seq: seq, Time: base.Add(offset)}
}

func TestRecordAndReplayInTimeOrder(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, nil)
	require.NoError(t, err)

	sink := r.Sink()
	sink(tk("ETH/USD", 7, 2*time.Second, 10))
	sink(tk("BTC/USD", 2, 2*time.Second, 101))
	sink(tk("BTC/USD", 1, time.Second, 100))
	sink(tk("BTC/USD", 3, 3*time.Second, 99))
	written, failed := r.Stats()
	assert.Equal(t, uint64(4), written)
	assert.Zero(t, failed)
	require.NoError(t, r.Close())

	r, err = Open(dir, nil)
	require.NoError(t, err)
	defer r.Close()

	all, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, uint64(1), all[0].Seq)
	assert.Equal(t, "BTC/USD", all[1].Symbol)
	assert.Equal(t, "ETH/USD", all[2].Symbol)
	assert.Equal(t, 99.0, all[3].Last)
	assert.True(t, all[0].Time.Equal(base.Add(time.Second)))

	var window []uint64
	require.NoError(t, r.Replay(base.Add(2*time.Second), base.Add(3*time.Second), func(t market.Tick) error {
		window = append(window, t.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{2, 7}, window)

	n := 0
	require.NoError(t, r.Replay(time.Time{}, time.Time{}, func(market.Tick) error {
		n++
		if n == 2 {
			return ErrStop
		}
		return nil
	}))
	assert.Equal(t, 2, n)
}

func TestKeyUpperBound(t *testing.T) {
	assert.Equal(t, []byte("t;"), keyUpperBound([]byte("t:")))
	assert.Equal(t, []byte{0x02}, keyUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, keyUpperBound([]byte{0xff}))
}
