package normalize

import (
	"strings"
	"time"
)

// MachineStatus is the coarse machine health state.
type MachineStatus string

const (
	StatusOnline  MachineStatus = "ONLINE"
	StatusOffline MachineStatus = "OFFLINE"
	StatusError   MachineStatus = "ERROR"
	StatusBooting MachineStatus = "BOOTING"
)

// Machine is the live telemetry snapshot for one vending machine. Each
// successful machine-status capture replaces the whole snapshot; the
// pipeline never patches individual fields.
type Machine struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Group    string        `json:"group,omitempty"`
	Signal   int           `json:"signal"` // 0..5
	Temp     float64       `json:"temp"`
	Status   MachineStatus `json:"status"`
	Door     bool          `json:"door"`
	Bill     bool          `json:"bill"`
	Coin     bool          `json:"coin"`
	Card     bool          `json:"card"`
	Stock    int           `json:"stock"` // 0..100
	LastSync time.Time     `json:"lastSync"`
}

var (
	machineNameAliases   = Aliases{"MachineName", "Name", "WmName", "Title"}
	machineGroupAliases  = Aliases{"GroupName", "Group", "AreaName", "Region"}
	machineSignalAliases = Aliases{"Signal", "SignalStrength", "Csq", "NetSignal"}
	machineTempAliases   = Aliases{"Temp", "Temperature", "TempValue", "BoxTemp"}
	machineStatusAliases = Aliases{"Status", "State", "OnlineStatus", "IsOnline", "Online", "NetState"}
	machineStockAliases  = Aliases{"Stock", "StockPercent", "StockRate", "GoodsRate"}
	machineDoorAliases   = Aliases{"Door", "DoorOpen", "DoorStatus"}
	machineBillAliases   = Aliases{"Bill", "BillStatus", "Cash", "BillAcceptor"}
	machineCoinAliases   = Aliases{"Coin", "CoinStatus", "Changer"}
	machineCardAliases   = Aliases{"Card", "CardStatus", "Cashless", "PosStatus"}
)

// Machines maps machine-list rows into snapshots. Input is whatever rows the
// matcher chain would see; rows without any machine ID are dropped.
func (n *Normalizer) Machines(body any, at time.Time) []Machine {
	rows, ok := rowsArray(body)
	if !ok {
		if arr, isArr := body.([]any); isArr {
			rows = arr
		} else if obj, isObj := body.(map[string]any); isObj {
			for _, key := range containerKeys {
				if arr, found := obj[key].([]any); found {
					rows = arr
					break
				}
			}
		}
	}

	machines := make([]Machine, 0, len(rows))
	for _, el := range rows {
		r, ok := asRow(el)
		if !ok {
			continue
		}
		id := r.str(n.machineID)
		if id == "" {
			continue
		}

		signal, _ := r.num(machineSignalAliases)
		temp, _ := r.num(machineTempAliases)
		stock, _ := r.num(machineStockAliases)

		m := Machine{
			ID:       id,
			Name:     r.str(machineNameAliases),
			Group:    r.str(machineGroupAliases),
			Signal:   clampInt(int(signal), 0, 5),
			Temp:     temp,
			Status:   machineStatus(r.str(machineStatusAliases)),
			Door:     boolField(r, machineDoorAliases),
			Bill:     boolField(r, machineBillAliases),
			Coin:     boolField(r, machineCoinAliases),
			Card:     boolField(r, machineCardAliases),
			Stock:    clampInt(int(stock), 0, 100),
			LastSync: at,
		}
		if m.Name == "" {
			m.Name = id
		}
		machines = append(machines, m)
	}
	return machines
}

// machineStatus folds the many upstream status spellings into four states.
func machineStatus(s string) MachineStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "online", "on", "normal", "ok":
		return StatusOnline
	case "error", "fault", "alarm", "abnormal":
		return StatusError
	case "booting", "starting", "init":
		return StatusBooting
	default:
		return StatusOffline
	}
}

func boolField(r row, aliases Aliases) bool {
	s := strings.ToLower(r.str(aliases))
	return s == "1" || s == "true" || s == "on" || s == "open" || s == "ok" || s == "normal"
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
