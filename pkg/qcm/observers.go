package qcm

import "sync"

// observers is a registry of custom observers shared by Link implementations.
type observers struct {
	mu   sync.RWMutex
	list []CustomObserver
}

func (o *observers) add(obs CustomObserver) {
	if obs == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, obs)
}

func (o *observers) remove(obs CustomObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, existing := range o.list {
		if existing == obs {
			o.list = append(o.list[:i:i], o.list[i+1:]...)
			return
		}
	}
}

func (o *observers) len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.list)
}

// dispatch delivers ev to a snapshot of the registered observers without
// holding the lock, so observers may (un)register themselves.
func (o *observers) dispatch(ev CustomEvent) {
	for _, obs := range o.snapshot() {
		obs.CustomEventReceived(ev)
	}
}

func (o *observers) snapshot() []CustomObserver {
	o.mu.RLock()
	defer o.mu.RUnlock()
	snapshot := make([]CustomObserver, len(o.list))
	copy(snapshot, o.list)
	return snapshot
}
