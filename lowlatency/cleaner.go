package lowlatency

import (
	"github.com/gpu-ep/lowlatency/simulator"
	"github.com/gpu-ep/lowlatency/symheap"
)

// CleanLowLatencyBuffer runs a world barrier, zeroes the supplied
// scratch regions (nil entries tolerated), optionally resets
// ExpertSyncInfo, then runs a second world barrier. The
// count-handshake inbox is deliberately never passed here by the
// dispatch caller between a send-only and a receive-only call of the
// same coroutine-like phase split; pass it only once a full dispatch
// round has completed.
func CleanLowLatencyBuffer(h *simulator.Handle, barrier *simulator.Barrier, syncInfo *ExpertSyncInfo, regions ...symheap.Zeroable) {
	if barrier != nil {
		barrier.Arrive(h)
	}

	symheap.ZeroAll(regions...)
	if syncInfo != nil {
		syncInfo.Reset()
	}

	if barrier != nil {
		barrier.Arrive(h)
	}
}
