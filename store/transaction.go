package store

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/vendtrak/fleetsync/normalize"
)

// Transaction is the accounting-friendly view of a sale record, derived at
// read time. The store itself only keeps records; this projection exists so
// consumers that think in payments don't have to know about capture shapes.
type Transaction struct {
	ID            string    `json:"id"`
	RefNo         string    `json:"refNo"`
	MachineID     string    `json:"machineId,omitempty"`
	ProductName   string    `json:"productName,omitempty"`
	SlotID        string    `json:"slotId,omitempty"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	PaymentMethod string    `json:"paymentMethod,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SalesSummary aggregates the day's sales for dashboard consumption.
type SalesSummary struct {
	TotalSalesToday float64       `json:"totalSalesToday"`
	CountToday      int           `json:"countToday"`
	Transactions    []Transaction `json:"transactions"`
}

// Transactions derives the transaction view from stored sale records, newest
// first. Only sale-shaped records qualify; aggregates and raw captures carry
// no per-transaction meaning.
func (s *Store) Transactions(since time.Time, limit int) ([]Transaction, error) {
	recs, err := s.Query(since, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(recs))
	for _, r := range recs {
		if r.Shape != normalize.ShapeSale {
			continue
		}
		out = append(out, s.toTransaction(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Sales summarizes today's sales in the given location. A nil location means
// UTC.
func (s *Store) Sales(loc *time.Location) (SalesSummary, error) {
	if loc == nil {
		loc = time.UTC
	}
	now := s.now().In(loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	txns, err := s.Transactions(dayStart.Add(-time.Nanosecond), 0)
	if err != nil {
		return SalesSummary{}, err
	}
	sum := SalesSummary{Transactions: txns}
	for _, t := range txns {
		sum.TotalSalesToday += t.Amount
		sum.CountToday++
	}
	return sum, nil
}

func (s *Store) toTransaction(r normalize.Record) Transaction {
	return Transaction{
		ID:            transactionID(r),
		RefNo:         r.RefNo,
		MachineID:     r.MachineID,
		ProductName:   r.ProductName,
		SlotID:        r.SlotID,
		Amount:        r.Amount,
		Currency:      s.currency,
		Status:        "SUCCESS", // captured sales are completed vends
		PaymentMethod: r.PayMethod,
		Timestamp:     r.Timestamp,
	}
}

// transactionID is deterministic so repeated derivations of the same record
// agree across restarts.
func transactionID(r normalize.Record) string {
	if r.RefNo != "" {
		return "txn-" + r.RefNo
	}
	h := sha256.Sum256(r.Raw)
	return "txn-" + hex.EncodeToString(h[:8])
}
