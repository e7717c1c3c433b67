package funds

import "sync"

// Reservation - владение резервом в пределах области видимости.
// Close снимает резерв ровно один раз; после Apply закрытие ничего не делает.
//
//	res, err := funds.Acquire(ledger, "JPY", amount)
//	if err != nil {
//	    return err
//	}
//	defer res.Close()
type Reservation struct {
	fund *Fund
	once sync.Once
}

// Acquire резервирует средства и возвращает handle для defer Close()
func Acquire(l *Ledger, currency string, qty float64) (*Reservation, error) {
	fund, err := l.Reserve(currency, qty)
	if err != nil {
		return nil, err
	}
	return &Reservation{fund: fund}, nil
}

// Fund возвращает резерв
func (r *Reservation) Fund() *Fund {
	return r.fund
}

// Close возвращает неиспользованный резерв в свободный остаток
func (r *Reservation) Close() error {
	r.once.Do(func() {
		r.fund.owner.Release(r.fund)
	})
	return nil
}

// WithFund выполняет fn с резервом; резерв снимается на любом пути выхода,
// в том числе при панике в fn
func WithFund(l *Ledger, currency string, qty float64, fn func(*Fund) error) error {
	res, err := Acquire(l, currency, qty)
	if err != nil {
		return err
	}
	defer res.Close()
	return fn(res.Fund())
}
