// Package models описывает тела запросов и ответов HTTP API.
package models

import (
	"time"

	"plc-monitor/internal/analytics"
	"plc-monitor/internal/plc"
)

// TemperatureChannel канал PT100 в ответе API
type TemperatureChannel struct {
	plc.Temperature
	RAddr       int          `json:"r_addr"`
	Anomaly     bool         `json:"anomaly"`
	AnomalyInfo *AnomalyInfo `json:"anomaly_info,omitempty"`
}

// AnomalyInfo детали сработавших тестов
type AnomalyInfo struct {
	Statistical analytics.StatisticalResult  `json:"statistical"`
	Autoencoder *analytics.AutoencoderResult `json:"autoencoder"`
}

// AnomalyRecord запись журнала аномалий
type AnomalyRecord struct {
	Channel   string           `json:"channel"`
	Value     float64          `json:"value"`
	Timestamp time.Time        `json:"timestamp"`
	Result    analytics.Result `json:"result"`
}

// MeterReading ответ чтения электросчетчика
type MeterReading struct {
	Status  string           `json:"status"`
	SlaveID int              `json:"slave_id"`
	BaseR   int              `json:"base_r"`
	CTRatio string           `json:"ct_ratio"`
	Params  []plc.ParamValue `json:"params"`
	Note    string           `json:"note,omitempty"`
}

// CoilWrite тело запроса записи катушки
type CoilWrite struct {
	Address *int  `json:"address"`
	Value   *bool `json:"value"`
}

// FanCommand тело запроса скорости вентилятора
type FanCommand struct {
	YL    *int   `json:"y_l"`
	YH    *int   `json:"y_h"`
	Speed string `json:"speed"`
}
