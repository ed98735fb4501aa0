// Package normalize turns captured portal responses of unstable, undocumented
// shape into canonical telemetry records.
//
// The portal exposes no schema: the same logical value appears under
// different field names across endpoints and portal versions, and whole
// response layouts differ (row arrays, aggregated per-machine totals,
// payment-type breakdowns, generic wrappers). Detection runs a prioritized
// chain of matcher functions; the first match wins, and the chain is total:
// any JSON value yields zero or more records, never an error.
package normalize

import (
	"encoding/json"
	"time"
)

// Shape labels which matcher produced a record.
type Shape string

const (
	ShapeSale      Shape = "sale"      // one row = one vend with a reference number
	ShapeAggregate Shape = "aggregate" // one row = per-machine totals
	ShapePayment   Shape = "payment"   // one row = payment-type breakdown
	ShapeGeneric   Shape = "generic"   // per-row mapping without a refNo
	ShapeRaw       Shape = "raw"       // unrecognized body kept as a single row
)

// Record is the canonical unit of telemetry.
//
// Timestamp is always valid: when the upstream value is absent or
// unparsable it falls back to the capture time. Amount defaults to 0 when
// the matched shape carries none.
type Record struct {
	MachineID   string          `json:"machineId,omitempty"`
	ProductID   string          `json:"productId,omitempty"`
	ProductName string          `json:"productName,omitempty"`
	SlotID      string          `json:"slotId,omitempty"`
	RefNo       string          `json:"refNo,omitempty"`
	PayMethod   string          `json:"paymentMethod,omitempty"`
	Quantity    float64         `json:"quantity"`
	Amount      float64         `json:"amount"`
	Shape       Shape           `json:"shape"`
	Timestamp   time.Time       `json:"timestamp"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	Source      string          `json:"source,omitempty"`
}
