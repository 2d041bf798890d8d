package domain

import "time"

// AccountSnapshot is the persisted state of a trading account.
type AccountSnapshot struct {
	Name        string             `json:"name"`
	Cash        float64            `json:"cash"`
	InitialCash float64            `json:"initial_cash"`
	Positions   map[string]float64 `json:"positions"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// NetValuePoint is one sample of an account's net value curve.
type NetValuePoint struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}
