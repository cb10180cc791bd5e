package kb

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/signalsfoundry/enb-scheduler/core"
	"github.com/signalsfoundry/enb-scheduler/model"
)

func newTestDB() *UEDatabase {
	return NewUEDatabase([]model.CarrierConfig{
		model.DefaultCarrierConfig(0, 25),
		model.DefaultCarrierConfig(1, 50),
	})
}

func ueConfig(rnti uint16, sr, cqi int, carriers ...uint32) model.UEConfig {
	cfg := model.DefaultUEConfig(rnti, carriers[0])
	cfg.Carriers = carriers
	cfg.SRIndex = sr
	cfg.CQIIndex = cqi
	return cfg
}

func TestAddAndGetUE(t *testing.T) {
	db := newTestDB()
	ue, err := db.AddUE(ueConfig(0x46, 0, 1, 0))
	if err != nil {
		t.Fatalf("AddUE error: %v", err)
	}
	if got := db.GetUE(0x46); got != ue {
		t.Fatalf("GetUE returned %p, want %p", got, ue)
	}
	if db.Len() != 1 {
		t.Fatalf("Len=%d, want 1", db.Len())
	}
}

func TestAddUEDuplicate(t *testing.T) {
	db := newTestDB()
	if _, err := db.AddUE(ueConfig(0x46, 0, 1, 0)); err != nil {
		t.Fatalf("first AddUE error: %v", err)
	}
	_, err := db.AddUE(ueConfig(0x46, 2, 3, 0))
	if !errors.Is(err, ErrUEExists) {
		t.Fatalf("duplicate AddUE error = %v, want ErrUEExists", err)
	}
}

func TestAddUEInvalidConfig(t *testing.T) {
	db := newTestDB()
	cases := map[string]model.UEConfig{
		"unknown carrier":   ueConfig(0x46, 0, 1, 7),
		"rnti out of range": ueConfig(0x10, 0, 1, 0),
		"sr equals cqi":     ueConfig(0x46, 2, 2, 0),
		"index past n1":     ueConfig(0x46, 0, 16, 0),
	}
	for name, cfg := range cases {
		if _, err := db.AddUE(cfg); !errors.Is(err, model.ErrInvalidUEConfig) {
			t.Fatalf("%s: AddUE error = %v, want ErrInvalidUEConfig", name, err)
		}
	}
	if db.Len() != 0 {
		t.Fatalf("Len=%d after rejected configs, want 0", db.Len())
	}
}

func TestControlResourceCollision(t *testing.T) {
	db := newTestDB()
	if _, err := db.AddUE(ueConfig(0x46, 0, 1, 0, 1)); err != nil {
		t.Fatalf("AddUE error: %v", err)
	}
	// index 1 is free on neither carrier 0 nor carrier 1
	_, err := db.AddUE(ueConfig(0x47, 2, 1, 1))
	if !errors.Is(err, ErrControlResourceInUse) {
		t.Fatalf("AddUE error = %v, want ErrControlResourceInUse", err)
	}
	if owner, ok := db.ControlResourceOwner(1, 1); !ok || owner != 0x46 {
		t.Fatalf("ControlResourceOwner = (0x%x, %v), want (0x46, true)", owner, ok)
	}
	if got := db.FreeControlResource(0); got != 2 {
		t.Fatalf("FreeControlResource = %d, want 2", got)
	}

	if err := db.RemoveUE(0x46); err != nil {
		t.Fatalf("RemoveUE error: %v", err)
	}
	if _, err := db.AddUE(ueConfig(0x47, 2, 1, 1)); err != nil {
		t.Fatalf("AddUE after detach error: %v", err)
	}
}

func TestRemoveUE(t *testing.T) {
	db := newTestDB()
	if err := db.RemoveUE(0x46); !errors.Is(err, ErrUENotFound) {
		t.Fatalf("RemoveUE on empty db error = %v, want ErrUENotFound", err)
	}
	if _, err := db.AddUE(ueConfig(0x46, 0, 1, 0)); err != nil {
		t.Fatalf("AddUE error: %v", err)
	}
	if err := db.RemoveUE(0x46); err != nil {
		t.Fatalf("RemoveUE error: %v", err)
	}
	if db.GetUE(0x46) != nil {
		t.Fatalf("UE still present after RemoveUE")
	}
}

func TestListUEsSortedByRNTI(t *testing.T) {
	db := newTestDB()
	for i, rnti := range []uint16{0x60, 0x46, 0x50} {
		carrier := uint32(i % 2)
		if _, err := db.AddUE(ueConfig(rnti, 2*i, 2*i+1, carrier)); err != nil {
			t.Fatalf("AddUE(0x%x) error: %v", rnti, err)
		}
	}
	got := db.ListUEs()
	if len(got) != 3 || got[0].RNTI() != 0x46 || got[1].RNTI() != 0x50 || got[2].RNTI() != 0x60 {
		t.Fatalf("ListUEs order wrong: %v", rntis(got))
	}
	onZero := db.ListUEsOnCarrier(0)
	if len(onZero) != 2 || onZero[0].RNTI() != 0x50 || onZero[1].RNTI() != 0x60 {
		t.Fatalf("ListUEsOnCarrier(0) = %v", rntis(onZero))
	}
}

func TestSubscribeAttachDetach(t *testing.T) {
	db := newTestDB()
	var got []Event
	unsubscribe := db.Subscribe(func(e Event) { got = append(got, e) })

	if _, err := db.AddUE(ueConfig(0x46, 0, 1, 0)); err != nil {
		t.Fatalf("AddUE error: %v", err)
	}
	if err := db.RemoveUE(0x46); err != nil {
		t.Fatalf("RemoveUE error: %v", err)
	}
	unsubscribe()
	if _, err := db.AddUE(ueConfig(0x47, 0, 1, 0)); err != nil {
		t.Fatalf("AddUE error: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Type != EventUEAttached || got[1].Type != EventUEDetached || got[1].RNTI != 0x46 {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	db := newTestDB()
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		rnti := uint16(0x100 + i)
		go func() {
			defer wg.Done()
			_ = db.GetUE(rnti)
			_ = db.ListUEs()
		}()
		go func() {
			defer wg.Done()
			// control indices collide on purpose; some attaches fail
			if _, err := db.AddUE(ueConfig(rnti, 2*(i%4), 2*(i%4)+1, 1)); err == nil {
				_ = db.RemoveUE(rnti)
			}
		}()
	}
	wg.Wait()
}

func rntis(ues []*core.UE) []string {
	out := make([]string, 0, len(ues))
	for _, ue := range ues {
		out = append(out, fmt.Sprintf("0x%x", ue.RNTI()))
	}
	return out
}
