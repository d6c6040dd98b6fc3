package bot

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"crossarb/internal/models"
)

var (
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrReleaseExceedsLock  = errors.New("release exceeds locked balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// BalanceLedger - учёт капитала по площадкам: доступный и заблокированный
//
// Суммы хранятся в decimal, чтобы lock/release не накапливали ошибку
// округления: available + locked меняется только на settle и Deposit.
type BalanceLedger struct {
	mu      sync.Mutex
	entries map[string]*ledgerEntry
}

type ledgerEntry struct {
	available decimal.Decimal
	locked    decimal.Decimal
}

// NewBalanceLedger создаёт леджер с начальными балансами
func NewBalanceLedger(initial map[string]float64) *BalanceLedger {
	l := &BalanceLedger{entries: make(map[string]*ledgerEntry)}
	for venue, amount := range initial {
		l.entries[venue] = &ledgerEntry{available: decimal.NewFromFloat(amount)}
	}
	return l
}

func (l *BalanceLedger) entry(venue string) *ledgerEntry {
	e, ok := l.entries[venue]
	if !ok {
		e = &ledgerEntry{}
		l.entries[venue] = e
	}
	return e
}

// Deposit увеличивает доступный баланс (пополнение или сверка с площадкой)
func (l *BalanceLedger) Deposit(venue string, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(venue)
	e.available = e.available.Add(decimal.NewFromFloat(amount))
	return nil
}

// Lock переводит amount из доступного в заблокированный
func (l *BalanceLedger) Lock(venue string, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockLocked(venue, decimal.NewFromFloat(amount))
}

func (l *BalanceLedger) lockLocked(venue string, amt decimal.Decimal) error {
	e := l.entry(venue)
	if e.available.LessThan(amt) {
		return fmt.Errorf("%w on %s: available %s, need %s", ErrInsufficientBalance, venue, e.available.StringFixed(2), amt.StringFixed(2))
	}
	e.available = e.available.Sub(amt)
	e.locked = e.locked.Add(amt)
	return nil
}

// LockPair атомарно блокирует amount на обеих площадках: либо обе, либо ни одной
func (l *BalanceLedger) LockPair(venueA, venueB string, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	amt := decimal.NewFromFloat(amount)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.lockLocked(venueA, amt); err != nil {
		return err
	}
	if err := l.lockLocked(venueB, amt); err != nil {
		a := l.entry(venueA)
		a.locked = a.locked.Sub(amt)
		a.available = a.available.Add(amt)
		return err
	}
	return nil
}

// Release возвращает amount из заблокированного в доступный
func (l *BalanceLedger) Release(venue string, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	amt := decimal.NewFromFloat(amount)

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(venue)
	if e.locked.LessThan(amt) {
		return fmt.Errorf("%w on %s: locked %s, release %s", ErrReleaseExceedsLock, venue, e.locked.StringFixed(2), amt.StringFixed(2))
	}
	e.locked = e.locked.Sub(amt)
	e.available = e.available.Add(amt)
	return nil
}

// Settle снимает блокировку amount и зачисляет amount + pnl в доступный
//
// Убыток больше доступного обнуляет баланс и возвращает ErrInsufficientBalance:
// доступный баланс не уходит в минус.
func (l *BalanceLedger) Settle(venue string, amount, pnl float64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	amt := decimal.NewFromFloat(amount)
	p := decimal.NewFromFloat(pnl)

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(venue)
	if e.locked.LessThan(amt) {
		return fmt.Errorf("%w on %s: locked %s, settle %s", ErrReleaseExceedsLock, venue, e.locked.StringFixed(2), amt.StringFixed(2))
	}
	e.locked = e.locked.Sub(amt)
	next := e.available.Add(amt).Add(p)
	if next.IsNegative() {
		e.available = decimal.Zero
		return fmt.Errorf("%w on %s: loss exceeds balance by %s", ErrInsufficientBalance, venue, next.Neg().StringFixed(2))
	}
	e.available = next
	return nil
}

// Get возвращает запись площадки
func (l *BalanceLedger) Get(venue string) (models.VenueBalance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[venue]
	if !ok {
		return models.VenueBalance{Venue: venue}, false
	}
	return toVenueBalance(venue, e), true
}

// Snapshot возвращает все записи, отсортированные по площадке
func (l *BalanceLedger) Snapshot() []models.VenueBalance {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.VenueBalance, 0, len(l.entries))
	for venue, e := range l.entries {
		out = append(out, toVenueBalance(venue, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

func toVenueBalance(venue string, e *ledgerEntry) models.VenueBalance {
	return models.VenueBalance{
		Venue:     venue,
		Available: e.available.InexactFloat64(),
		Locked:    e.locked.InexactFloat64(),
	}
}
