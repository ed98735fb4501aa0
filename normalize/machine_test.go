package normalize

import (
	"testing"
	"time"
)

func TestMachines_Snapshot(t *testing.T) {
	// WHAT: Machine-list rows map into full snapshots with clamped ranges.
	// WHY: Each capture replaces the fleet view; fields outside their valid
	// range would corrupt dashboards downstream.
	at := time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)
	body := decode(t, `{"rows":[
		{"MachineID":"M1","MachineName":"Lobby","GroupName":"HQ","Signal":"9","Temp":"4.5","Status":"online","Door":"0","Bill":"1","Stock":"85"},
		{"MachineID":"M2","Status":"fault","Signal":"-2","Stock":"140"},
		{"NoIdHere":"skip me"}
	]}`)
	machines := New(Config{}).Machines(body, at)
	if len(machines) != 2 {
		t.Fatalf("got %d machines, want 2 (row without ID dropped)", len(machines))
	}

	m := machines[0]
	if m.ID != "M1" || m.Name != "Lobby" || m.Group != "HQ" {
		t.Errorf("identity: %+v", m)
	}
	if m.Signal != 5 {
		t.Errorf("signal should clamp to 5, got %d", m.Signal)
	}
	if m.Temp != 4.5 {
		t.Errorf("temp: got %v", m.Temp)
	}
	if m.Status != StatusOnline {
		t.Errorf("status: got %q", m.Status)
	}
	if m.Door || !m.Bill {
		t.Errorf("door=%v bill=%v", m.Door, m.Bill)
	}
	if m.Stock != 85 {
		t.Errorf("stock: got %d", m.Stock)
	}
	if !m.LastSync.Equal(at) {
		t.Errorf("lastSync: got %v", m.LastSync)
	}

	m2 := machines[1]
	if m2.Name != "M2" {
		t.Errorf("name should fall back to ID, got %q", m2.Name)
	}
	if m2.Status != StatusError {
		t.Errorf("status: got %q", m2.Status)
	}
	if m2.Signal != 0 || m2.Stock != 100 {
		t.Errorf("clamping: signal=%d stock=%d", m2.Signal, m2.Stock)
	}
}

func TestMachines_BareArrayAndContainers(t *testing.T) {
	// WHAT: Machine lists arrive bare, under rows, or under container keys.
	// WHY: The machine endpoint wraps its array differently across versions.
	at := time.Now()
	n := New(Config{})
	for _, s := range []string{
		`[{"DeviceId":"D1"}]`,
		`{"rows":[{"DeviceId":"D1"}]}`,
		`{"data":[{"DeviceId":"D1"}]}`,
	} {
		machines := n.Machines(decode(t, s), at)
		if len(machines) != 1 || machines[0].ID != "D1" {
			t.Errorf("%s: got %+v", s, machines)
		}
	}
}

func TestMachineStatus_Folding(t *testing.T) {
	// WHAT: Upstream status spellings fold into the four canonical states.
	// WHY: The portal mixes flags, words and numerals for the same state.
	cases := map[string]MachineStatus{
		"1":       StatusOnline,
		"Online":  StatusOnline,
		"normal":  StatusOnline,
		"fault":   StatusError,
		"Alarm":   StatusError,
		"booting": StatusBooting,
		"0":       StatusOffline,
		"":        StatusOffline,
		"weird":   StatusOffline,
	}
	for in, want := range cases {
		if got := machineStatus(in); got != want {
			t.Errorf("%q: got %q, want %q", in, got, want)
		}
	}
}
