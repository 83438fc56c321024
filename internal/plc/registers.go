// Package plc описывает карту адресов контроллера FATEK и преобразование
// сырых регистров в физические величины.
package plc

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Смещения областей памяти FATEK в адресном пространстве Modbus
const (
	YOffset = 0
	XOffset = 1000
	MOffset = 2000
	ROffset = 0
	DOffset = 6000
)

// RAddr адрес регистра R
func RAddr(r int) uint16 { return uint16(ROffset + r) }

// YAddr адрес выхода Y
func YAddr(y int) uint16 { return uint16(YOffset + y) }

// MeterParam параметр электросчетчика: float32 по смещению от базы
type MeterParam struct {
	Offset  int     `yaml:"offset" json:"offset"`
	Name    string  `yaml:"name" json:"name"`
	Unit    string  `yaml:"unit" json:"unit"`
	Group   string  `yaml:"group" json:"group"`
	Divisor float64 `yaml:"div,omitempty" json:"div,omitempty"`
}

// Meter электросчетчик, регистры которого PLC зеркалирует в область R
type Meter struct {
	SlaveID int          `yaml:"slave_id" json:"slave_id"`
	BaseR   int          `yaml:"base_r" json:"base_r"`
	Note    string       `yaml:"note,omitempty" json:"note,omitempty"`
	Params  []MeterParam `yaml:"params" json:"params"`
}

// Device одно- или двухскоростное устройство шкафа HVAC
type Device struct {
	Name string `yaml:"name" json:"name"`
	Y    *int   `yaml:"y,omitempty" json:"y,omitempty"`
	YL   *int   `yaml:"y_l,omitempty" json:"y_l,omitempty"`
	YH   *int   `yaml:"y_h,omitempty" json:"y_h,omitempty"`
}

// Box шкаф HVAC с собственным unit id
type Box struct {
	UnitID    int      `yaml:"unit_id" json:"unit_id"`
	CoilCount int      `yaml:"coil_count" json:"coil_count"`
	Devices   []Device `yaml:"devices" json:"devices"`
}

// TemperatureBlock блок регистров PT100
type TemperatureBlock struct {
	UnitID int `yaml:"unit_id" json:"unit_id"`
	RReg   int `yaml:"r_reg" json:"r_reg"`
	Count  int `yaml:"count" json:"count"`
}

// RegisterMap полная карта адресов установки
type RegisterMap struct {
	CTRatio        string           `yaml:"ct_ratio" json:"ct_ratio"`
	MeterUnitID    int              `yaml:"meter_unit_id" json:"meter_unit_id"`
	MeterReadCount int              `yaml:"meter_read_count" json:"meter_read_count"`
	Meters         []Meter          `yaml:"meters" json:"meters"`
	Temperature    TemperatureBlock `yaml:"temperature" json:"temperature"`
	Boxes          map[string]Box   `yaml:"boxes" json:"boxes"`
}

// Meter ищет счетчик по slave id
func (m *RegisterMap) Meter(slaveID int) (Meter, bool) {
	for _, meter := range m.Meters {
		if meter.SlaveID == slaveID {
			return meter, true
		}
	}
	return Meter{}, false
}

// Box ищет шкаф по идентификатору
func (m *RegisterMap) Box(id string) (Box, bool) {
	box, ok := m.Boxes[id]
	return box, ok
}

// Validate проверяет согласованность карты
func (m *RegisterMap) Validate() error {
	if m.MeterReadCount <= 0 || m.MeterReadCount > 125 {
		return fmt.Errorf("meter_read_count must be in 1..125, got %d", m.MeterReadCount)
	}
	for _, meter := range m.Meters {
		for _, p := range meter.Params {
			if p.Offset < 0 || p.Offset+1 >= m.MeterReadCount {
				return fmt.Errorf("meter %d: param %q offset %d outside read window", meter.SlaveID, p.Name, p.Offset)
			}
		}
	}
	if m.Temperature.Count < 1 || m.Temperature.Count > 32 {
		return fmt.Errorf("temperature count must be in 1..32, got %d", m.Temperature.Count)
	}
	for id, box := range m.Boxes {
		if box.CoilCount <= 0 || box.CoilCount > 2000 {
			return fmt.Errorf("box %s: coil_count must be in 1..2000, got %d", id, box.CoilCount)
		}
		for _, d := range box.Devices {
			for _, y := range []*int{d.Y, d.YL, d.YH} {
				if y != nil && (*y < 0 || *y >= box.CoilCount) {
					return fmt.Errorf("box %s: device %q coil %d outside 0..%d", id, d.Name, *y, box.CoilCount-1)
				}
			}
		}
	}
	return nil
}

// LoadRegisterMap читает карту из YAML; пустой путь дает карту по умолчанию
func LoadRegisterMap(path string) (*RegisterMap, error) {
	if path == "" {
		return DefaultRegisterMap(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read register map: %w", err)
	}
	return ParseRegisterMap(data)
}

// ParseRegisterMap разбирает YAML поверх значений по умолчанию.
// Списки и шкафы, указанные в файле, заменяются целиком.
func ParseRegisterMap(data []byte) (*RegisterMap, error) {
	m := DefaultRegisterMap()
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse register map: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid register map: %w", err)
	}
	return m, nil
}

func coil(y int) *int { return &y }

func single(name string, y int) Device { return Device{Name: name, Y: coil(y)} }

func dual(name string, yl, yh int) Device { return Device{Name: name, YL: coil(yl), YH: coil(yh)} }

func meterParams(withPhaseVoltages bool) []MeterParam {
	params := []MeterParam{{Offset: 4, Name: "voltage", Unit: "V", Group: "voltage"}}
	if withPhaseVoltages {
		params = []MeterParam{
			{Offset: 0, Name: "L1-N voltage", Unit: "V", Group: "voltage"},
			{Offset: 2, Name: "L2-N voltage", Unit: "V", Group: "voltage"},
			{Offset: 4, Name: "L3-N voltage", Unit: "V", Group: "voltage"},
		}
	}
	return append(params,
		MeterParam{Offset: 42, Name: "average voltage", Unit: "V", Group: "voltage"},
		MeterParam{Offset: 6, Name: "L1 current", Unit: "A", Group: "current"},
		MeterParam{Offset: 8, Name: "L2 current", Unit: "A", Group: "current"},
		MeterParam{Offset: 10, Name: "L3 current", Unit: "A", Group: "current"},
		MeterParam{Offset: 46, Name: "average current", Unit: "A", Group: "current"},
		MeterParam{Offset: 12, Name: "L1 power", Unit: "kW", Group: "power", Divisor: 1000},
		MeterParam{Offset: 14, Name: "L2 power", Unit: "kW", Group: "power", Divisor: 1000},
		MeterParam{Offset: 16, Name: "L3 power", Unit: "kW", Group: "power", Divisor: 1000},
		MeterParam{Offset: 52, Name: "total power", Unit: "kW", Group: "power", Divisor: 1000},
		MeterParam{Offset: 30, Name: "L1 PF", Group: "power factor"},
		MeterParam{Offset: 32, Name: "L2 PF", Group: "power factor"},
		MeterParam{Offset: 34, Name: "L3 PF", Group: "power factor"},
		MeterParam{Offset: 62, Name: "total PF", Group: "power factor"},
	)
}

// DefaultRegisterMap карта установки по умолчанию
func DefaultRegisterMap() *RegisterMap {
	boxA := []Device{
		single("chiller 1", 0),
		single("chiller 2", 1),
		dual("bridal room supply fan", 2, 3),
	}
	for i, name := range []string{"damei", "qingfeng", "shuiyue 1", "shuiyue 2", "wuxue", "ruyun", "churi", "chengjing", "guizhen", "xiaoya"} {
		boxA = append(boxA, single(name+" supply fan", 4+2*i))
	}
	for i, name := range []string{"qianjiang 1", "qianjiang 2", "qianjiang 3"} {
		boxA = append(boxA, single(name+" supply fan", 32+2*i))
	}
	for i, name := range []string{
		"sushi bar front left", "sushi bar front right", "sushi bar left side", "sushi bar right side",
		"snack area", "dishwashing area", "restroom", "lobby", "private room corridor",
		"restroom front corridor", "dance hall dishwashing", "kitchen rear", "kitchen front",
	} {
		boxA = append(boxA, dual(name+" supply fan", 38+2*i, 39+2*i))
	}

	var boxB []Device
	for i, name := range []string{
		"kitchen", "work area", "coffee bar", "bench row 1.2", "restroom front 1.2", "bar stools",
		"zone 1 rear", "zone 1 front", "lobby", "round sofa front", "round sofa rear",
		"glass house middle", "glass house rear", "glass house front",
	} {
		boxB = append(boxB, dual(name+" supply fan", 2*i, 2*i+1))
	}
	boxB = append(boxB, single("lighting main panel", 28))

	return &RegisterMap{
		CTRatio:        "400:5A",
		MeterUnitID:    3,
		MeterReadCount: 68,
		Meters: []Meter{
			{SlaveID: 1, BaseR: 0, Note: "R0..R3 are overwritten by the PLC, L1-N/L2-N voltages unavailable", Params: meterParams(false)},
			{SlaveID: 2, BaseR: 100, Params: meterParams(true)},
		},
		Temperature: TemperatureBlock{UnitID: 3, RReg: 1000, Count: 12},
		Boxes: map[string]Box{
			"a": {UnitID: 3, CoilCount: 64, Devices: boxA},
			"b": {UnitID: 4, CoilCount: 29, Devices: boxB},
		},
	}
}
