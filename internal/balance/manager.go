package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"roostoo-bot/internal/state"
)

// Source returns the current wallet.
type Source interface {
	GetBalances(ctx context.Context) (state.AccountSnapshot, error)
}

// Manager refreshes the account snapshot and tracks capital reserved by
// orders that have been approved but not yet settled.
type Manager struct {
	source   Source
	store    *state.Store
	quote    string
	interval time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	reserved map[string]float64 // by ClientOrderID
	byAsset  map[string]float64
	assetOf  map[string]string
	settling map[string]uint64 // ClientOrderID -> fetch count when settled
	fetches  uint64
	lastSync time.Time

	refresh chan struct{}
}

// NewManager creates a balance manager that writes into store.
func NewManager(source Source, store *state.Store, quote string, interval time.Duration, log *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		source:   source,
		store:    store,
		quote:    quote,
		interval: interval,
		log:      log.With(zap.String("component", "balance")),
		reserved: make(map[string]float64),
		byAsset:  make(map[string]float64),
		assetOf:  make(map[string]string),
		settling: make(map[string]uint64),
		refresh:  make(chan struct{}, 1),
	}
}

// Run syncs once and then on every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Sync(ctx); err != nil && ctx.Err() == nil {
		m.log.Warn("initial balance sync failed", zap.Error(err))
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-m.refresh:
		}
		if err := m.Sync(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("balance sync failed", zap.Error(err))
		}
	}
}

// Refresh asks Run to sync soon. It never blocks; requests made while one
// is pending are merged.
func (m *Manager) Refresh() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// Sync fetches the wallet and publishes a new snapshot with equity valued at
// the latest cached prices. Settling reservations are freed once a snapshot
// fetched after they settled has been stored.
func (m *Manager) Sync(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	m.mu.Lock()
	m.fetches++
	fetch := m.fetches
	m.mu.Unlock()

	snap, err := m.source.GetBalances(ctx)
	if err != nil {
		return err
	}
	if snap.Time.IsZero() {
		snap.Time = time.Now()
	}
	snap.Equity = Equity(snap, m.quote, m.store.Prices())
	if !m.store.SetSnapshot(snap) {
		m.log.Debug("discarded outdated balance snapshot", zap.Time("time", snap.Time))
		return nil
	}

	m.mu.Lock()
	m.lastSync = snap.Time
	for id, settledAt := range m.settling {
		if settledAt < fetch {
			m.releaseLocked(id)
		}
	}
	m.mu.Unlock()

	m.log.Debug("balance synced",
		zap.Float64("quote_free", snap.Free(m.quote)),
		zap.Float64("equity", snap.Equity))
	return nil
}

// Equity values every asset in quote terms. Assets without a price for
// ASSET/QUOTE are skipped.
func Equity(snap state.AccountSnapshot, quote string, prices map[string]float64) float64 {
	var eq float64
	for asset, b := range snap.Balances {
		total := b.Free + b.Locked
		if asset == quote {
			eq += total
			continue
		}
		if p, ok := prices[asset+"/"+quote]; ok {
			eq += total * p
		}
	}
	return eq
}

// Reserve earmarks amount of asset for an order.
func (m *Manager) Reserve(clientOrderID, asset string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("negative reservation %.8f", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reserved[clientOrderID]; ok {
		return fmt.Errorf("order %s already holds a reservation", clientOrderID)
	}
	m.reserved[clientOrderID] = amount
	m.assetOf[clientOrderID] = asset
	m.byAsset[asset] += amount
	return nil
}

// Release frees the reservation of an order. Unknown ids are ignored.
func (m *Manager) Release(clientOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(clientOrderID)
}

// Settle marks the reservation of a filled order for release on the next
// wallet sync that starts after this call, and asks for that sync. Until
// then the amount keeps counting against available capital.
func (m *Manager) Settle(clientOrderID string) {
	m.mu.Lock()
	_, ok := m.reserved[clientOrderID]
	if ok {
		m.settling[clientOrderID] = m.fetches
	}
	m.mu.Unlock()
	if ok {
		m.Refresh()
	}
}

func (m *Manager) releaseLocked(clientOrderID string) {
	delete(m.settling, clientOrderID)
	amount, ok := m.reserved[clientOrderID]
	if !ok {
		return
	}
	asset := m.assetOf[clientOrderID]
	m.byAsset[asset] -= amount
	if m.byAsset[asset] < 1e-12 {
		delete(m.byAsset, asset)
	}
	delete(m.reserved, clientOrderID)
	delete(m.assetOf, clientOrderID)
}

// Reserved returns the amount of asset held by open reservations.
func (m *Manager) Reserved(asset string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byAsset[asset]
}

// LastSync returns the time of the latest successful sync.
func (m *Manager) LastSync() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}
