package bot

import (
	"fmt"

	"coinarb/pkg/utils"
)

// Precision - число знаков после запятой для цены и объёма инструмента
type Precision struct {
	Price int32 `yaml:"price" json:"price"`
	Qty   int32 `yaml:"qty" json:"qty"`
}

// precision возвращает точность инструмента.
// Отсутствие записи - ошибка конфигурации, агент не может продолжать.
func (a *Agent) precision(instrument string) Precision {
	p, ok := a.cfg.Precisions[instrument]
	if !ok {
		panic(fmt.Sprintf("agent %s: no precision configured for %s", a.venue, instrument))
	}
	return p
}

// RoundPrice отсекает цену до точности инструмента (в сторону нуля)
func (a *Agent) RoundPrice(instrument string, price float64) float64 {
	return utils.TruncatePlaces(price, a.precision(instrument).Price)
}

// RoundQty отсекает объём до точности инструмента (в сторону нуля)
func (a *Agent) RoundQty(instrument string, qty float64) float64 {
	return utils.TruncatePlaces(qty, a.precision(instrument).Qty)
}

// IncDecPrice сдвигает цену на steps шагов точности и отсекает
func (a *Agent) IncDecPrice(instrument string, price float64, steps int64) float64 {
	return utils.StepAndTruncate(price, a.precision(instrument).Price, steps)
}

// IncDecQty сдвигает объём на steps шагов точности и отсекает
func (a *Agent) IncDecQty(instrument string, qty float64, steps int64) float64 {
	return utils.StepAndTruncate(qty, a.precision(instrument).Qty, steps)
}
