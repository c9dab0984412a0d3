package inventory

import (
	"sort"
	"sync"

	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
)

// Tracker owns the host's GPU set. It enforces single ownership: a GPU
// holds at most one rental at any instant. Mutating calls are funneled
// through the orchestrator; the tracker's lock only guards against
// concurrent snapshot readers.
type Tracker struct {
	gpus map[string]hostagent.GPU
	lock sync.RWMutex
}

func NewTracker(gpus []hostagent.GPU) *Tracker {
	byID := make(map[string]hostagent.GPU, len(gpus))
	for _, gpu := range gpus {
		if gpu.Status == "" {
			gpu.Status = hostagent.GPUStatusFree
		}
		byID[gpu.ID] = gpu
	}
	return &Tracker{gpus: byID}
}

// Snapshot returns copies of every GPU, ordered by id.
func (t *Tracker) Snapshot() []hostagent.GPU {
	t.lock.RLock()
	defer t.lock.RUnlock()

	gpus := make([]hostagent.GPU, 0, len(t.gpus))
	for id := range t.gpus {
		gpus = append(gpus, t.gpus[id])
	}
	sortByID(gpus)

	return gpus
}

// ListFree returns the free GPUs whose model matches gpuType, lowest id
// first so allocation order is reproducible.
func (t *Tracker) ListFree(gpuType string) []hostagent.GPU {
	t.lock.RLock()
	defer t.lock.RUnlock()

	matches := []hostagent.GPU{}
	for _, gpu := range t.gpus {
		if gpu.Status == hostagent.GPUStatusFree && gpu.Model == gpuType {
			matches = append(matches, gpu)
		}
	}
	sortByID(matches)

	return matches
}

func (t *Tracker) Lookup(gpuID string) (hostagent.GPU, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	gpu, found := t.gpus[gpuID]
	if !found {
		return hostagent.GPU{}, hostagent.ErrGPUNotFound
	}
	return gpu, nil
}

func (t *Tracker) Allocate(logger lager.Logger, gpuID, rentalID string) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	gpu, found := t.gpus[gpuID]
	if !found {
		logger.Error("failed-allocating-gpu", hostagent.ErrGPUNotFound, lager.Data{"gpu-id": gpuID})
		return hostagent.ErrGPUNotFound
	}

	if gpu.Status != hostagent.GPUStatusFree {
		logger.Error("failed-allocating-gpu", hostagent.ErrGPUAlreadyAllocated, lager.Data{
			"gpu-id":    gpuID,
			"status":    gpu.Status,
			"rental-id": gpu.RentalID,
		})
		return hostagent.ErrGPUAlreadyAllocated
	}

	logger.Debug("allocating-gpu", lager.Data{"gpu-id": gpuID, "rental-id": rentalID})

	gpu.Status = hostagent.GPUStatusAllocated
	gpu.RentalID = rentalID
	t.gpus[gpuID] = gpu

	return nil
}

// Release is idempotent: releasing a free GPU is a no-op. A faulty GPU
// loses its owner but stays faulty until a health check clears it.
func (t *Tracker) Release(logger lager.Logger, gpuID string) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	gpu, found := t.gpus[gpuID]
	if !found {
		logger.Error("failed-releasing-gpu", hostagent.ErrGPUNotFound, lager.Data{"gpu-id": gpuID})
		return hostagent.ErrGPUNotFound
	}

	if gpu.RentalID == "" && gpu.Status != hostagent.GPUStatusAllocated {
		logger.Debug("gpu-already-free", lager.Data{"gpu-id": gpuID})
		return nil
	}

	logger.Debug("releasing-gpu", lager.Data{"gpu-id": gpuID, "rental-id": gpu.RentalID})

	gpu.RentalID = ""
	if gpu.Status == hostagent.GPUStatusAllocated {
		gpu.Status = hostagent.GPUStatusFree
	}
	t.gpus[gpuID] = gpu

	return nil
}

func (t *Tracker) MarkFaulty(logger lager.Logger, gpuID string) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	gpu, found := t.gpus[gpuID]
	if !found {
		return hostagent.ErrGPUNotFound
	}

	if gpu.Status != hostagent.GPUStatusFaulty {
		logger.Info("marking-gpu-faulty", lager.Data{"gpu-id": gpuID})
		gpu.Status = hostagent.GPUStatusFaulty
		t.gpus[gpuID] = gpu
	}

	return nil
}

func (t *Tracker) MarkHealthy(logger lager.Logger, gpuID string) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	gpu, found := t.gpus[gpuID]
	if !found {
		return hostagent.ErrGPUNotFound
	}

	if gpu.Status == hostagent.GPUStatusFaulty {
		logger.Info("clearing-faulty-gpu", lager.Data{"gpu-id": gpuID})
		if gpu.RentalID != "" {
			gpu.Status = hostagent.GPUStatusAllocated
		} else {
			gpu.Status = hostagent.GPUStatusFree
		}
		t.gpus[gpuID] = gpu
	}

	return nil
}

func sortByID(gpus []hostagent.GPU) {
	sort.Slice(gpus, func(i, j int) bool { return gpus[i].ID < gpus[j].ID })
}
