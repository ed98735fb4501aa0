package normalize

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/vendtrak/fleetsync/portal"
)

// containerKeys are the alternate array wrappers seen across portal
// versions, tried in order.
var containerKeys = []string{"data", "result", "list", "items"}

// Config configures a Normalizer.
type Config struct {
	// ExtraAliases appends upstream field names per logical field
	// ("refNo", "machineId", "productId", "productName", "slotId",
	// "quantity", "amount", "timestamp", "payMethod"). Lets operators track
	// portal renames without a rebuild.
	ExtraAliases map[string][]string

	Logger *slog.Logger
}

// Normalizer detects the shape of captured bodies and maps rows into
// canonical records.
type Normalizer struct {
	logger *slog.Logger

	refNo, machineID, productID, productName Aliases
	slotID, quantity, amount, timestamp      Aliases
	payMethod                                Aliases
}

// New creates a Normalizer.
func New(cfg Config) *Normalizer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	n := &Normalizer{
		logger:      cfg.Logger,
		refNo:       refNoAliases,
		machineID:   machineIDAliases,
		productID:   productIDAliases,
		productName: productNameAliases,
		slotID:      slotIDAliases,
		quantity:    quantityAliases,
		amount:      amountAliases,
		timestamp:   timestampAliases,
		payMethod:   payMethodAliases,
	}
	extend := func(base Aliases, key string) Aliases {
		return append(append(Aliases{}, base...), cfg.ExtraAliases[key]...)
	}
	n.refNo = extend(n.refNo, "refNo")
	n.machineID = extend(n.machineID, "machineId")
	n.productID = extend(n.productID, "productId")
	n.productName = extend(n.productName, "productName")
	n.slotID = extend(n.slotID, "slotId")
	n.quantity = extend(n.quantity, "quantity")
	n.amount = extend(n.amount, "amount")
	n.timestamp = extend(n.timestamp, "timestamp")
	n.payMethod = extend(n.payMethod, "payMethod")
	return n
}

// Normalize maps a batch of captures into records. Bodies that are not valid
// JSON produce no records: they are logged and dropped, never merged.
func (n *Normalizer) Normalize(captures []portal.Capture) []Record {
	var out []Record
	for _, cp := range captures {
		var body any
		if err := json.Unmarshal(cp.Body, &body); err != nil {
			n.logger.Warn("normalize: unparsable body, skipping",
				"url", cp.URL,
				"status", cp.Status,
				"content_type", cp.ContentType,
				"error", err)
			continue
		}
		at := cp.At
		if at.IsZero() {
			at = time.Now()
		}
		out = append(out, n.Body(body, cp.URL, at)...)
	}
	return out
}

// Body runs the shape-detection chain on one decoded JSON value. Total:
// always returns zero or more records, never an error. Matchers run in a
// fixed precedence order and the first match wins, so already-handled
// shapes cannot regress when new matchers are added at the end.
func (n *Normalizer) Body(body any, src string, at time.Time) []Record {
	matchers := []func(any, string, time.Time) ([]Record, bool){
		n.tryArray,
		n.tryAggregateRows,
		n.tryPaymentRows,
		n.tryGenericRows,
		n.tryContainerKey,
	}
	for _, match := range matchers {
		if recs, ok := match(body, src, at); ok {
			return recs
		}
	}
	return []Record{n.rawRecord(body, src, at)}
}

// tryArray: the body itself is a JSON array — each element is one raw row.
func (n *Normalizer) tryArray(body any, src string, at time.Time) ([]Record, bool) {
	arr, ok := body.([]any)
	if !ok {
		return nil, false
	}
	return n.mapRows(arr, src, at), true
}

// tryAggregateRows: a rows array whose first element carries the opaque
// aggregate columns (per-machine totals). quantity = count column,
// amount = total column, productName = machine/group label.
func (n *Normalizer) tryAggregateRows(body any, src string, at time.Time) ([]Record, bool) {
	rows, ok := rowsArray(body)
	if !ok || len(rows) == 0 {
		return nil, false
	}
	first, ok := asRow(rows[0])
	if !ok || !first.has(aggDetectAliases) {
		return nil, false
	}

	recs := make([]Record, 0, len(rows))
	for _, el := range rows {
		r, ok := asRow(el)
		if !ok {
			recs = append(recs, n.rawRecord(el, src, at))
			continue
		}
		amount, _ := r.num(aggAmountAliases)
		count, _ := r.num(aggCountAliases)
		recs = append(recs, Record{
			MachineID:   r.str(n.machineID),
			ProductName: r.str(aggNameAliases),
			Quantity:    count,
			Amount:      amount,
			Shape:       ShapeAggregate,
			Timestamp:   parseTime(r.timestampValue(n.timestamp), at),
			Raw:         marshalRaw(el),
			Source:      src,
		})
	}
	return recs, true
}

// tryPaymentRows: a rows array whose first element names a payment type
// alongside totals — one record per payment breakdown row.
func (n *Normalizer) tryPaymentRows(body any, src string, at time.Time) ([]Record, bool) {
	rows, ok := rowsArray(body)
	if !ok || len(rows) == 0 {
		return nil, false
	}
	// Payment breakdown rows name a payment type but carry no reference
	// number; per-sale rows with a PayName fall through to the generic
	// mapping instead.
	first, ok := asRow(rows[0])
	if !ok || first.str(n.payMethod) == "" || first.str(n.refNo) != "" {
		return nil, false
	}

	recs := make([]Record, 0, len(rows))
	for _, el := range rows {
		r, ok := asRow(el)
		if !ok {
			recs = append(recs, n.rawRecord(el, src, at))
			continue
		}
		amount, _ := r.num(append(append(Aliases{}, aggAmountAliases...), n.amount...))
		count, _ := r.num(append(append(Aliases{}, aggCountAliases...), n.quantity...))
		recs = append(recs, Record{
			PayMethod: r.str(n.payMethod),
			Quantity:  count,
			Amount:    amount,
			Shape:     ShapePayment,
			Timestamp: parseTime(r.timestampValue(n.timestamp), at),
			Raw:       marshalRaw(el),
			Source:    src,
		})
	}
	return recs, true
}

// tryGenericRows: a rows array with none of the special layouts — generic
// per-row mapping via the alias tables.
func (n *Normalizer) tryGenericRows(body any, src string, at time.Time) ([]Record, bool) {
	rows, ok := rowsArray(body)
	if !ok {
		return nil, false
	}
	return n.mapRows(rows, src, at), true
}

// tryContainerKey: an object wrapping its array under data/result/list/items.
func (n *Normalizer) tryContainerKey(body any, src string, at time.Time) ([]Record, bool) {
	obj, ok := body.(map[string]any)
	if !ok {
		return nil, false
	}
	for _, key := range containerKeys {
		if arr, ok := obj[key].([]any); ok {
			return n.mapRows(arr, src, at), true
		}
	}
	return nil, false
}

// mapRows applies the generic per-row mapping. Rows with a reference number
// become sale records; the rest stay generic.
func (n *Normalizer) mapRows(rows []any, src string, at time.Time) []Record {
	recs := make([]Record, 0, len(rows))
	for _, el := range rows {
		r, ok := asRow(el)
		if !ok {
			recs = append(recs, n.rawRecord(el, src, at))
			continue
		}

		qty, hasQty := r.num(n.quantity)
		if !hasQty {
			qty = 1 // a sale row without a count is one vend
		}
		amount, _ := r.num(n.amount)

		rec := Record{
			MachineID:   r.str(n.machineID),
			ProductID:   r.str(n.productID),
			ProductName: r.str(n.productName),
			SlotID:      r.str(n.slotID),
			RefNo:       r.str(n.refNo),
			PayMethod:   r.str(n.payMethod),
			Quantity:    qty,
			Amount:      amount,
			Shape:       ShapeGeneric,
			Timestamp:   parseTime(r.timestampValue(n.timestamp), at),
			Raw:         marshalRaw(el),
			Source:      src,
		}
		if rec.RefNo != "" {
			rec.Shape = ShapeSale
		}
		recs = append(recs, rec)
	}
	return recs
}

// rawRecord keeps an unrecognized value as a single row so normalization
// stays total.
func (n *Normalizer) rawRecord(body any, src string, at time.Time) Record {
	return Record{
		Shape:     ShapeRaw,
		Quantity:  0,
		Timestamp: at,
		Raw:       marshalRaw(body),
		Source:    src,
	}
}

// asRow converts a decoded JSON element into a row.
func asRow(el any) (row, bool) {
	m, ok := el.(map[string]any)
	if !ok {
		return nil, false
	}
	return row(m), true
}

// rowsArray extracts the canonical "rows" wrapper.
func rowsArray(body any) ([]any, bool) {
	obj, ok := body.(map[string]any)
	if !ok {
		return nil, false
	}
	arr, ok := obj["rows"].([]any)
	return arr, ok
}

// timestampValue returns the first present timestamp alias value, raw.
func (r row) timestampValue(aliases Aliases) any {
	for _, key := range aliases {
		if v, ok := r[key]; ok {
			return v
		}
	}
	return nil
}

func marshalRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
