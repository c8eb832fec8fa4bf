package device

import (
	"fmt"
	"sync"
)

// The virtual device tracker splits physical accelerators into tracked
// virtual slots so multiple execution contexts can share one physical
// device. State is process-global and guarded by one coarse lock; it is
// consulted only while contexts are constructed, never on the Run path.
var (
	virtualMu    sync.Mutex
	virtualSlots map[int][]int // physical index -> virtual slot ids
	virtualNext  map[int]int   // physical index -> next slot cursor
)

// InitVirtualDevices declares how many virtual slots each physical
// device is split into. Slot ids are assigned sequentially across all
// devices in ascending physical order. Calling it again replaces the
// previous split.
func InitVirtualDevices(slotsPerDevice map[int]int) {
	virtualMu.Lock()
	defer virtualMu.Unlock()

	virtualSlots = make(map[int][]int, len(slotsPerDevice))
	virtualNext = make(map[int]int, len(slotsPerDevice))

	// Deterministic slot numbering regardless of map iteration order.
	maxIdx := -1
	for phys := range slotsPerDevice {
		if phys > maxIdx {
			maxIdx = phys
		}
	}
	next := 0
	for phys := 0; phys <= maxIdx; phys++ {
		n, ok := slotsPerDevice[phys]
		if !ok {
			continue
		}
		for i := 0; i < n; i++ {
			virtualSlots[phys] = append(virtualSlots[phys], next)
			next++
		}
	}
}

// HasVirtualDevices reports whether a virtualized-device layer is
// configured.
func HasVirtualDevices() bool {
	virtualMu.Lock()
	defer virtualMu.Unlock()
	return len(virtualSlots) > 0
}

// NextVirtualDevice maps a physical device index to its next tracked
// virtual slot, round-robin across the slots of that device.
func NextVirtualDevice(physical int) (int, error) {
	virtualMu.Lock()
	defer virtualMu.Unlock()

	slots := virtualSlots[physical]
	if len(slots) == 0 {
		return 0, fmt.Errorf("no virtual slots configured for device %d", physical)
	}
	slot := slots[virtualNext[physical]%len(slots)]
	virtualNext[physical]++
	return slot, nil
}

// ResetVirtualDevices clears the tracker. Used by tests.
func ResetVirtualDevices() {
	virtualMu.Lock()
	defer virtualMu.Unlock()
	virtualSlots = nil
	virtualNext = nil
}
