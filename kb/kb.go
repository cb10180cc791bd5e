// Package kb holds the UE database: the set of attached terminals, their
// contexts and the per-carrier uplink control resources they occupy.
package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/enb-scheduler/core"
	"github.com/signalsfoundry/enb-scheduler/model"
)

var (
	ErrUEExists             = errors.New("ue already attached")
	ErrUENotFound           = errors.New("ue not found")
	ErrControlResourceInUse = errors.New("uplink control resource in use")
)

// EventType indicates what kind of change happened in the database.
type EventType int

const (
	EventUEAttached EventType = iota
	EventUEDetached
)

func (t EventType) String() string {
	switch t {
	case EventUEAttached:
		return "attached"
	case EventUEDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// Event is emitted to subscribers when a UE attaches or detaches.
type Event struct {
	Type   EventType
	RNTI   uint16
	Config model.UEConfig
}

// UEDatabase is an in-memory, thread-safe store of UE contexts keyed by
// RNTI. Admission validates the UE configuration against the carriers it
// references, so nothing invalid ever reaches a scheduling pass.
type UEDatabase struct {
	mu sync.RWMutex

	carriers map[uint32]model.CarrierConfig
	ues      map[uint16]*core.UE
	// control tracks SR/CQI resource indices in use per carrier.
	control map[uint32]map[int]uint16

	subs   map[int]func(Event)
	nextID int
}

// NewUEDatabase constructs an empty database serving carriers.
func NewUEDatabase(carriers []model.CarrierConfig) *UEDatabase {
	db := &UEDatabase{
		carriers: make(map[uint32]model.CarrierConfig, len(carriers)),
		ues:      make(map[uint16]*core.UE),
		control:  make(map[uint32]map[int]uint16, len(carriers)),
		subs:     make(map[int]func(Event)),
	}
	for _, c := range carriers {
		db.carriers[c.Index] = c
		db.control[c.Index] = make(map[int]uint16)
	}
	return db
}

// Carriers returns the carrier configurations, ordered by index.
func (db *UEDatabase) Carriers() []model.CarrierConfig {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]model.CarrierConfig, 0, len(db.carriers))
	for _, c := range db.carriers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// AddUE validates cfg and admits the UE. It returns the new context.
func (db *UEDatabase) AddUE(cfg model.UEConfig) (*core.UE, error) {
	db.mu.Lock()
	if err := cfg.Validate(db.carriers); err != nil {
		db.mu.Unlock()
		return nil, err
	}
	if _, exists := db.ues[cfg.RNTI]; exists {
		db.mu.Unlock()
		return nil, fmt.Errorf("%w: rnti 0x%x", ErrUEExists, cfg.RNTI)
	}
	for _, c := range cfg.Carriers {
		for _, idx := range []int{cfg.SRIndex, cfg.CQIIndex} {
			if owner, used := db.control[c][idx]; used {
				db.mu.Unlock()
				return nil, fmt.Errorf("%w: carrier %d resource %d held by rnti 0x%x", ErrControlResourceInUse, c, idx, owner)
			}
		}
	}
	ue := core.NewUE(cfg)
	db.ues[cfg.RNTI] = ue
	for _, c := range cfg.Carriers {
		db.control[c][cfg.SRIndex] = cfg.RNTI
		db.control[c][cfg.CQIIndex] = cfg.RNTI
	}
	subs := db.subscribers()
	db.mu.Unlock()

	notify(subs, Event{Type: EventUEAttached, RNTI: cfg.RNTI, Config: ue.Config()})
	return ue, nil
}

// RemoveUE detaches the UE. Its context, HARQ state included, is gone when
// RemoveUE returns.
func (db *UEDatabase) RemoveUE(rnti uint16) error {
	db.mu.Lock()
	ue, ok := db.ues[rnti]
	if !ok {
		db.mu.Unlock()
		return fmt.Errorf("%w: rnti 0x%x", ErrUENotFound, rnti)
	}
	cfg := ue.Config()
	delete(db.ues, rnti)
	for _, c := range cfg.Carriers {
		delete(db.control[c], cfg.SRIndex)
		delete(db.control[c], cfg.CQIIndex)
	}
	subs := db.subscribers()
	db.mu.Unlock()

	notify(subs, Event{Type: EventUEDetached, RNTI: rnti, Config: cfg})
	return nil
}

// GetUE returns the context for rnti, or nil if not attached.
func (db *UEDatabase) GetUE(rnti uint16) *core.UE {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.ues[rnti]
}

// Len returns the number of attached UEs.
func (db *UEDatabase) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.ues)
}

// ListUEs returns a snapshot of all attached UEs ordered by RNTI.
func (db *UEDatabase) ListUEs() []*core.UE {
	db.mu.RLock()
	defer db.mu.RUnlock()

	res := make([]*core.UE, 0, len(db.ues))
	for _, ue := range db.ues {
		res = append(res, ue)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].RNTI() < res[j].RNTI() })
	return res
}

// ListUEsOnCarrier returns the attached UEs active on carrier, ordered by
// RNTI.
func (db *UEDatabase) ListUEsOnCarrier(carrier uint32) []*core.UE {
	all := db.ListUEs()
	res := all[:0]
	for _, ue := range all {
		if ue.Config().OnCarrier(carrier) {
			res = append(res, ue)
		}
	}
	return res
}

// ControlResourceOwner returns the RNTI holding resource idx on carrier.
func (db *UEDatabase) ControlResourceOwner(carrier uint32, idx int) (uint16, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rnti, ok := db.control[carrier][idx]
	return rnti, ok
}

// FreeControlResource returns the lowest resource index on carrier not
// held by any UE, or -1.
func (db *UEDatabase) FreeControlResource(carrier uint32) int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	cfg, ok := db.carriers[carrier]
	if !ok {
		return -1
	}
	for idx := 0; idx < cfg.N1PUCCH; idx++ {
		if _, used := db.control[carrier][idx]; !used {
			return idx
		}
	}
	return -1
}

// Subscribe registers a callback for attach/detach events. It returns an
// unsubscribe function.
func (db *UEDatabase) Subscribe(fn func(Event)) (unsubscribe func()) {
	db.mu.Lock()
	defer db.mu.Unlock()
	id := db.nextID
	db.nextID++
	db.subs[id] = fn

	return func() {
		db.mu.Lock()
		defer db.mu.Unlock()
		delete(db.subs, id)
	}
}

// subscribers returns the callbacks ordered by registration. Callers hold
// the lock and notify after releasing it.
func (db *UEDatabase) subscribers() []func(Event) {
	ids := make([]int, 0, len(db.subs))
	for id := range db.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, db.subs[id])
	}
	return out
}

func notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}
