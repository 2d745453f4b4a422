package snapshot

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is one saved set of adaptive filter coefficients
type Snapshot struct {
	ID             uint         `gorm:"primaryKey" json:"id" yaml:"id"`
	RunID          string       `gorm:"size:36;index" json:"run_id" yaml:"run_id"`
	Label          string       `gorm:"size:128" json:"label" yaml:"label"`
	Stage          string       `gorm:"size:32" json:"stage" yaml:"stage"`
	Taps           int          `json:"taps" yaml:"taps"`
	StepSize       float64      `json:"step_size" yaml:"step_size"`
	Normalized     bool         `json:"normalized" yaml:"normalized"`
	Samples        uint64       `json:"samples" yaml:"samples"`
	MeanErrorPower float64      `json:"mean_error_power" yaml:"mean_error_power"`
	Coefficients   Coefficients `gorm:"type:text" json:"coefficients" yaml:"coefficients"`
	CreatedAt      time.Time    `gorm:"index" json:"created_at" yaml:"created_at"`
}

// TableName keeps the table name stable across renames of the struct
func (Snapshot) TableName() string {
	return "filter_snapshots"
}

// Coefficients stores complex taps as [re, im] pairs, in JSON columns and
// documents alike
type Coefficients []complex128

func (c Coefficients) pairs() [][2]float64 {
	out := make([][2]float64, len(c))
	for i, v := range c {
		out[i] = [2]float64{real(v), imag(v)}
	}
	return out
}

func fromPairs(p [][2]float64) Coefficients {
	c := make(Coefficients, len(p))
	for i, v := range p {
		c[i] = complex(v[0], v[1])
	}
	return c
}

func (c Coefficients) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.pairs())
}

func (c *Coefficients) UnmarshalJSON(data []byte) error {
	var p [][2]float64
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = fromPairs(p)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (c Coefficients) MarshalYAML() (any, error) {
	return c.pairs(), nil
}

// Value implements driver.Valuer
func (c Coefficients) Value() (driver.Value, error) {
	b, err := c.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (c *Coefficients) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*c = nil
		return nil
	case string:
		return c.UnmarshalJSON([]byte(v))
	case []byte:
		return c.UnmarshalJSON(v)
	default:
		return fmt.Errorf("cannot scan %T into coefficients", src)
	}
}
