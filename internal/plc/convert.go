package plc

import "math"

// Коды ошибок модуля PT100
const (
	PT100Open       uint16 = 0x7FFF
	PT100Short      uint16 = 0x8000
	PT100OverRange  uint16 = 0x7FFE
	PT100UnderRange uint16 = 0x8001
)

var pt100Errors = map[uint16]string{
	PT100Open:       "sensor open circuit",
	PT100Short:      "sensor short circuit",
	PT100OverRange:  "above measurement range",
	PT100UnderRange: "below measurement range",
}

// Temperature показание одного канала PT100
type Temperature struct {
	Raw         uint16   `json:"raw"`
	Temperature *float64 `json:"temperature"`
	Error       string   `json:"error,omitempty"`
}

// Valid true, если канал вернул температуру, а не код ошибки
func (t Temperature) Valid() bool {
	return t.Temperature != nil
}

// ConvertPT100 переводит сырой регистр в градусы: знаковое значение / 10
func ConvertPT100(raw uint16) Temperature {
	if msg, ok := pt100Errors[raw]; ok {
		return Temperature{Raw: raw, Error: msg}
	}
	celsius := round(float64(int16(raw))/10, 1)
	return Temperature{Raw: raw, Temperature: &celsius}
}

// RegistersToFloat собирает float32 из двух регистров (старшее слово первым).
// Выход за границы, NaN и Inf дают nil.
func RegistersToFloat(regs []uint16, offset int) *float64 {
	if offset < 0 || offset+1 >= len(regs) {
		return nil
	}
	bits := uint32(regs[offset])<<16 | uint32(regs[offset+1])
	v := float64(math.Float32frombits(bits))
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	v = round(v, 2)
	return &v
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// ParamValue значение параметра счетчика
type ParamValue struct {
	Name  string   `json:"name"`
	Value *float64 `json:"value"`
	Unit  string   `json:"unit"`
	Group string   `json:"group"`
	RAddr int      `json:"r_addr"`
}

// Decode переводит блок регистров счетчика в значения параметров
func (m Meter) Decode(regs []uint16) []ParamValue {
	values := make([]ParamValue, 0, len(m.Params))
	for _, p := range m.Params {
		v := RegistersToFloat(regs, p.Offset)
		if v != nil && p.Divisor != 0 {
			scaled := round(*v/p.Divisor, 2)
			v = &scaled
		}
		values = append(values, ParamValue{
			Name:  p.Name,
			Value: v,
			Unit:  p.Unit,
			Group: p.Group,
			RAddr: m.BaseR + p.Offset,
		})
	}
	return values
}
