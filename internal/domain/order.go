package domain

import "time"

// ExecutionRecord is the persisted form of a single fill.
type ExecutionRecord struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	Version     int       `json:"version"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	RealOrderID string    `json:"real_order_id,omitempty"`
	Time        time.Time `json:"time"`
}

// OrderRecord is a flat snapshot of an order used by the persistence layer.
type OrderRecord struct {
	ID              string            `json:"id"`
	Account         string            `json:"account"`
	Code            string            `json:"code"`
	Kind            string            `json:"kind"`
	Direction       string            `json:"direction"`
	Quantity        float64           `json:"quantity"`
	Status          string            `json:"status"`
	Reason          string            `json:"reason,omitempty"`
	LimitPrice      float64           `json:"limit_price,omitempty"`
	StopPrice       float64           `json:"stop_price,omitempty"`
	CrossPrice      float64           `json:"cross_price,omitempty"`
	IdealPrice      float64           `json:"ideal_price"`
	FilledQuantity  float64           `json:"filled_quantity"`
	FilledAvgPrice  float64           `json:"filled_avg_price"`
	Fee             float64           `json:"fee"`
	RealOrderIDs    []string          `json:"real_order_ids,omitempty"`
	ExtendedTime    bool              `json:"extended_time"`
	PlaceTime       time.Time         `json:"place_time"`
	FilledStartTime *time.Time        `json:"filled_start_time,omitempty"`
	FilledEndTime   *time.Time        `json:"filled_end_time,omitempty"`
	Executions      []ExecutionRecord `json:"executions,omitempty"`
}

// OrderEvent is published on the signal bus every time an order changes
// status.
type OrderEvent struct {
	Event          string    `json:"event"`
	OrderID        string    `json:"order_id"`
	Account        string    `json:"account"`
	Code           string    `json:"code"`
	Direction      string    `json:"direction"`
	Status         string    `json:"status"`
	FilledQuantity float64   `json:"filled_quantity"`
	FilledAvgPrice float64   `json:"filled_avg_price"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
