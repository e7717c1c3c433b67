package service

import (
	"errors"
	"sort"

	"coinarb/internal/bot"
	"coinarb/internal/funds"
)

// Ошибки сервиса
var (
	ErrVenueNotFound = errors.New("venue not found")
)

// VenueInfo - состояние агента биржи для операторов
type VenueInfo struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	StateInfo     string `json:"state_info"`
	BalancesFresh bool   `json:"balances_fresh"`
	Debug         bool   `json:"debug"`
}

// CurrencyBalance - баланс валюты с учётом резервов
type CurrencyBalance struct {
	Currency    string  `json:"currency"`
	Total       float64 `json:"total"`
	Used        float64 `json:"used"`
	Reserved    float64 `json:"reserved"`
	Locked      float64 `json:"locked"`
	Free        float64 `json:"free"`
	Outstanding float64 `json:"outstanding"` // сумма живых резервов
}

// VenueService - чтение состояния агентов и их учёта средств.
// Только чтение: торговые решения принимает оркестратор.
type VenueService struct {
	agents map[string]*bot.Agent
}

// NewVenueService создает новый экземпляр сервиса
func NewVenueService(agents map[string]*bot.Agent) *VenueService {
	copied := make(map[string]*bot.Agent, len(agents))
	for name, a := range agents {
		copied[name] = a
	}
	return &VenueService{agents: copied}
}

// ListVenues возвращает биржи в алфавитном порядке
func (s *VenueService) ListVenues() []VenueInfo {
	out := make([]VenueInfo, 0, len(s.agents))
	for name, a := range s.agents {
		out = append(out, VenueInfo{
			Name:          name,
			State:         a.State().String(),
			StateInfo:     bot.StateInfo(a.State()),
			BalancesFresh: a.BalancesFresh(),
			Debug:         a.Config().Debug,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Balances возвращает балансы биржи по валютам
func (s *VenueService) Balances(venue string) ([]CurrencyBalance, error) {
	a, ok := s.agents[venue]
	if !ok {
		return nil, ErrVenueNotFound
	}

	ledger := a.Ledger()
	snapshot := ledger.Snapshot()
	out := make([]CurrencyBalance, 0, len(snapshot))
	for currency, bal := range snapshot {
		out = append(out, toCurrencyBalance(currency, bal, ledger.Outstanding(currency)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func toCurrencyBalance(currency string, bal funds.Balance, outstanding float64) CurrencyBalance {
	return CurrencyBalance{
		Currency:    currency,
		Total:       bal.Total,
		Used:        bal.Used,
		Reserved:    bal.Reserved,
		Locked:      bal.Locked,
		Free:        bal.Free(),
		Outstanding: outstanding,
	}
}
