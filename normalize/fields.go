package normalize

import (
	"strconv"
	"strings"
)

// Aliases is a priority-ordered list of upstream field names for one logical
// field. First match wins. New upstream names are a data change here, not a
// code change anywhere else.
type Aliases []string

// Standard alias tables, reverse-engineered from observed portal payloads.
var (
	refNoAliases = Aliases{
		"No", "RefNo", "OrderNo", "TradeNo", "OrderNumber", "SerialNo", "BillNo", "InvoiceNo",
	}
	machineIDAliases = Aliases{
		"MachineID", "MachineId", "MachineNo", "MachineCode", "MiMachineID", "DeviceId", "DeviceNo", "VmCode",
	}
	productIDAliases = Aliases{
		"ProductID", "ProductId", "GoodsId", "GoodsID", "CommodityId", "SkuId", "PId",
	}
	productNameAliases = Aliases{
		"PName", "ProductName", "GoodsName", "CommodityName", "ItemName", "WmName", "Name",
	}
	slotIDAliases = Aliases{
		"SlotID", "SlotId", "SlotNo", "Aisle", "AisleNo", "ChannelNo", "Cargoway", "WayNo",
	}
	quantityAliases = Aliases{
		"Quantity", "Qty", "Count", "Num", "SaleCount", "BuyCount", "Number",
	}
	amountAliases = Aliases{
		"Amount", "Money", "TotalMoney", "SaleMoney", "PayMoney", "TradeAmount", "Price", "Total",
	}
	timestampAliases = Aliases{
		"TradeTime", "CreateTime", "PayTime", "OrderTime", "SaleTime", "AddTime", "Time", "Date",
	}
	payMethodAliases = Aliases{
		"PayName", "PayType", "PayMethod", "PaymentType", "PayWay",
	}

	// Aggregated per-machine report rows use opaque generated column names:
	// best-effort mapping preserved from observed payloads, not a guaranteed
	// business rule. Detection keys on the opaque colum* names only, so
	// ordinary sale rows carrying Money/Count fields never classify as
	// aggregates.
	aggDetectAliases = Aliases{"colum0", "colum00", "colum1", "colum01"}
	aggAmountAliases = Aliases{"colum0", "colum1", "SaleMoney", "TotalMoney"}
	aggCountAliases  = Aliases{"colum00", "colum01", "SaleCount", "TotalCount"}
	aggNameAliases   = Aliases{"MachineName", "GroupName", "WmName", "PName", "Name"}
)

// row is one upstream object with tolerant field access.
type row map[string]any

// str resolves the first alias present with a non-empty value, coercing
// numbers to their literal representation. A second case-insensitive pass
// covers portal versions that changed field casing.
func (r row) str(aliases Aliases) string {
	for _, key := range aliases {
		if v, ok := r[key]; ok {
			if s := coerceString(v); s != "" {
				return s
			}
		}
	}
	for _, key := range aliases {
		for k, v := range r {
			if strings.EqualFold(k, key) {
				if s := coerceString(v); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// num resolves the first alias holding a parseable number.
func (r row) num(aliases Aliases) (float64, bool) {
	for _, key := range aliases {
		if v, ok := r[key]; ok {
			if f, ok := coerceFloat(v); ok {
				return f, true
			}
		}
	}
	for _, key := range aliases {
		for k, v := range r {
			if strings.EqualFold(k, key) {
				if f, ok := coerceFloat(v); ok {
					return f, true
				}
			}
		}
	}
	return 0, false
}

// has reports whether any alias is present at all, regardless of value.
func (r row) has(aliases Aliases) bool {
	for _, key := range aliases {
		if _, ok := r[key]; ok {
			return true
		}
	}
	return false
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return ""
	}
}

func coerceFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(t, ",", ""))
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
