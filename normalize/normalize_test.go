package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vendtrak/fleetsync/portal"
)

var captureTime = time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("test body: %v", err)
	}
	return v
}

func TestBody_SaleRows(t *testing.T) {
	// WHAT: A rows array of sale rows maps refNo, amount, name and timestamp.
	// WHY: This is the portal's primary sales-report layout.
	body := decode(t, `{"rows":[{"No":"INV1","Amount":"12.50","TradeTime":"2024-05-01 10:00:00","PName":"Coke"}]}`)
	recs := New(Config{}).Body(body, "http://portal/Report/GetSaleList", captureTime)
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	r := recs[0]
	if r.Shape != ShapeSale {
		t.Errorf("shape: got %q", r.Shape)
	}
	if r.RefNo != "INV1" {
		t.Errorf("refNo: got %q", r.RefNo)
	}
	if r.Amount != 12.50 {
		t.Errorf("amount: got %v", r.Amount)
	}
	if r.ProductName != "Coke" {
		t.Errorf("productName: got %q", r.ProductName)
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if !r.Timestamp.Equal(want) {
		t.Errorf("timestamp: got %v, want %v", r.Timestamp, want)
	}
}

func TestBody_AggregateRows(t *testing.T) {
	// WHAT: Opaque colum0/colum00 rows classify as aggregated machine totals.
	// WHY: Shape precedence — aggregates must not fall through to the
	// generic per-row mapping even though both are arrays of objects.
	body := decode(t, `{"rows":[{"colum0":"450.00","colum00":"12","MachineID":"M1"}]}`)
	recs := New(Config{}).Body(body, "http://portal/Report/GetMachineTotals", captureTime)
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	r := recs[0]
	if r.Shape != ShapeAggregate {
		t.Fatalf("shape: got %q, want aggregate", r.Shape)
	}
	if r.Amount != 450.00 {
		t.Errorf("amount: got %v", r.Amount)
	}
	if r.Quantity != 12 {
		t.Errorf("quantity: got %v", r.Quantity)
	}
	if r.MachineID != "M1" {
		t.Errorf("machineId: got %q", r.MachineID)
	}
}

func TestBody_PaymentRows(t *testing.T) {
	// WHAT: Rows naming a payment type become payment-breakdown records.
	// WHY: The payment report shares the rows wrapper with sales but means
	// something different.
	body := decode(t, `{"rows":[{"PayName":"TNG","TotalMoney":"88.00","SaleCount":"4"}]}`)
	recs := New(Config{}).Body(body, "http://portal/pay", captureTime)
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	r := recs[0]
	if r.Shape != ShapePayment {
		t.Fatalf("shape: got %q", r.Shape)
	}
	if r.PayMethod != "TNG" {
		t.Errorf("payMethod: got %q", r.PayMethod)
	}
	if r.Amount != 88 || r.Quantity != 4 {
		t.Errorf("amount=%v quantity=%v", r.Amount, r.Quantity)
	}
}

func TestBody_SaleRowWithPayName(t *testing.T) {
	// WHAT: A row with both a refNo and a PayName stays a sale record.
	// WHY: Payment breakdowns never carry reference numbers; per-sale rows do.
	body := decode(t, `{"rows":[{"No":"INV9","PayName":"cash","Amount":"3.00"}]}`)
	recs := New(Config{}).Body(body, "src", captureTime)
	if recs[0].Shape != ShapeSale {
		t.Errorf("shape: got %q, want sale", recs[0].Shape)
	}
	if recs[0].PayMethod != "cash" {
		t.Errorf("payMethod: got %q", recs[0].PayMethod)
	}
}

func TestBody_TopLevelArray(t *testing.T) {
	// WHAT: A bare JSON array is treated as rows directly.
	// WHY: Some endpoints skip the rows wrapper entirely.
	body := decode(t, `[{"OrderNo":"A1","Money":"2.00"},{"OrderNo":"A2","Money":"4.00"}]`)
	recs := New(Config{}).Body(body, "src", captureTime)
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].RefNo != "A1" || recs[1].RefNo != "A2" {
		t.Errorf("refNos: %q %q", recs[0].RefNo, recs[1].RefNo)
	}
}

func TestBody_ContainerKeys(t *testing.T) {
	// WHAT: data/result/list/items wrappers all unwrap to per-row mapping.
	// WHY: Container key naming varies across portal versions.
	for _, key := range []string{"data", "result", "list", "items"} {
		body := decode(t, `{"`+key+`":[{"DeviceId":"D7","GoodsName":"Water"}]}`)
		recs := New(Config{}).Body(body, "src", captureTime)
		if len(recs) != 1 {
			t.Fatalf("%s: got %d records", key, len(recs))
		}
		if recs[0].MachineID != "D7" || recs[0].ProductName != "Water" {
			t.Errorf("%s: machineId=%q productName=%q", key, recs[0].MachineID, recs[0].ProductName)
		}
	}
}

func TestBody_FallbackSingleRow(t *testing.T) {
	// WHAT: A body matching no shape becomes exactly one raw record.
	// WHY: Normalization is total — unknown shapes are kept, not dropped.
	body := decode(t, `{"surprise":"layout","value":42}`)
	recs := New(Config{}).Body(body, "src", captureTime)
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].Shape != ShapeRaw {
		t.Errorf("shape: got %q", recs[0].Shape)
	}
	if !recs[0].Timestamp.Equal(captureTime) {
		t.Errorf("timestamp should fall back to capture time")
	}
}

func TestBody_Totality(t *testing.T) {
	// WHAT: Every JSON value produces an array without panicking.
	// WHY: Upstream shape drift must never crash a cycle.
	bodies := []string{
		`[]`, `{}`, `"just a string"`, `42`, `true`, `null`,
		`{"rows":"not an array"}`,
		`{"rows":[]}`,
		`{"rows":[1,2,3]}`,
		`{"data":{"nested":"object"}}`,
		`[[1,2],[3,4]]`,
	}
	n := New(Config{})
	for _, s := range bodies {
		recs := n.Body(decode(t, s), "src", captureTime)
		if recs == nil {
			t.Errorf("%s: nil records", s)
		}
	}
}

func TestNormalize_SkipsUnparsableBody(t *testing.T) {
	// WHAT: A capture whose body is not JSON yields zero records.
	// WHY: Records must never be merged from a body that failed to parse.
	n := New(Config{})
	recs := n.Normalize([]portal.Capture{
		{URL: "http://portal/x", Body: []byte("<<<definitely not json"), At: captureTime},
		{URL: "http://portal/y", Body: []byte(`{"rows":[{"No":"OK1"}]}`), At: captureTime},
	})
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].RefNo != "OK1" {
		t.Errorf("refNo: got %q", recs[0].RefNo)
	}
}

func TestBody_ExtraAliases(t *testing.T) {
	// WHAT: Config-supplied aliases resolve fields with novel upstream names.
	// WHY: Portal renames should be a config change, not a release.
	n := New(Config{ExtraAliases: map[string][]string{
		"refNo":  {"WeirdTicketRef"},
		"amount": {"GrandTotalRM"},
	}})
	body := decode(t, `{"rows":[{"WeirdTicketRef":"T-1","GrandTotalRM":"7.70"}]}`)
	recs := n.Body(body, "src", captureTime)
	if recs[0].RefNo != "T-1" || recs[0].Amount != 7.70 {
		t.Errorf("refNo=%q amount=%v", recs[0].RefNo, recs[0].Amount)
	}
}

func TestBody_CaseInsensitiveFallback(t *testing.T) {
	// WHAT: Field casing differences still resolve (machineid vs MachineID).
	// WHY: Portal versions disagree about casing for the same field.
	body := decode(t, `{"rows":[{"machineid":"M9","amount":"1.00"}]}`)
	recs := New(Config{}).Body(body, "src", captureTime)
	if recs[0].MachineID != "M9" || recs[0].Amount != 1.00 {
		t.Errorf("machineId=%q amount=%v", recs[0].MachineID, recs[0].Amount)
	}
}
