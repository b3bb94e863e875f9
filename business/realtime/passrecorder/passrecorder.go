// Package passrecorder remembers, per service instance, which stop
// sequences a vehicle has confirmed passing, and backs the anti-backtrack
// guarantee in the trip view builder.
package passrecorder

import (
	"sort"
	"sync"
	"time"
)

// EvictAfter is how long a service's records survive without an update.
const EvictAfter = 24 * time.Hour

// StopPassRecord is one confirmed (or inferred) stop pass for a service.
type StopPassRecord struct {
	StopSequence     int
	StopId           string
	ArrivalEpoch     int64
	HasArrival       bool
	DepartureEpoch   int64
	HasDeparture     bool
	ArrivalDelaySec  int
	HasArrivalDelay  bool
	DepartureDelaySec int
	HasDepartureDelay bool
}

// Row is one stop-row candidate for recording, the fields record() consults
// in priority order. An epoch field counts only when its Has flag is set.
type Row struct {
	Seq          int
	StopId       string
	PassedAt     int64
	HasPassedAt  bool
	ArrivalEpoch int64
	HasArrival   bool
	EtaArr       int64
	HasEtaArr    bool
	TuArr        int64
	HasTuArr     bool
	EtaDep       int64
	HasEtaDep    bool
	TuDep        int64
	HasTuDep     bool
	DepartedAt   int64
	HasDepartedAt bool
	SchedArr     int64
	HasSchedArr  bool
	SchedDep     int64
	HasSchedDep  bool
}

type service struct {
	bucket     map[int]*StopPassRecord
	lastSeq    int
	lastUpdate time.Time
}

// Recorder is the pass store: one mutex guards every map.
type Recorder struct {
	mu              sync.Mutex
	services        map[string]*service
	trainToService  map[string]string
	serviceToTrains map[string]map[string]struct{}
}

func New() *Recorder {
	return &Recorder{
		services:        make(map[string]*service),
		trainToService:  make(map[string]string),
		serviceToTrains: make(map[string]map[string]struct{}),
	}
}

// RegisterServiceTrain associates a live train_id with a service_instance_id
// so CleanupTrainByVehicle can find the right bucket to evict.
func (r *Recorder) RegisterServiceTrain(serviceKey, trainId string) {
	if serviceKey == "" || trainId == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trainToService[trainId] = serviceKey
	bucket, ok := r.serviceToTrains[serviceKey]
	if !ok {
		bucket = make(map[string]struct{})
		r.serviceToTrains[serviceKey] = bucket
	}
	bucket[trainId] = struct{}{}
}

// CleanupTrain removes all state for a service_instance_id.
func (r *Recorder) CleanupTrain(serviceKey string) {
	if serviceKey == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, serviceKey)
	trainIds := r.serviceToTrains[serviceKey]
	delete(r.serviceToTrains, serviceKey)
	for tid := range trainIds {
		delete(r.trainToService, tid)
	}
}

// CleanupTrainByVehicle evicts the service a live train_id was last bound to.
func (r *Recorder) CleanupTrainByVehicle(trainId string) {
	if trainId == "" {
		return
	}
	r.mu.Lock()
	serviceKey := r.trainToService[trainId]
	r.mu.Unlock()
	if serviceKey != "" {
		r.CleanupTrain(serviceKey)
	}
}

// GetLastSeq returns the highest confirmed stop sequence for a service.
func (r *Recorder) GetLastSeq(serviceKey string) int {
	if serviceKey == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[serviceKey]
	if !ok {
		return 0
	}
	return svc.lastSeq
}

// GetRecords returns the recorded passes for a service, ordered by sequence.
func (r *Recorder) GetRecords(serviceKey string) []StopPassRecord {
	if serviceKey == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[serviceKey]
	if !ok {
		return nil
	}
	seqs := make([]int, 0, len(svc.bucket))
	for seq := range svc.bucket {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	out := make([]StopPassRecord, len(seqs))
	for i, seq := range seqs {
		out[i] = *svc.bucket[seq]
	}
	return out
}

// Record applies one view's confirmed-pass update for a service.
// forcedArrivals[cur_seq] = vehicle_ts when STOPPED_AT; forcedDepartures
// [lastPassedSeq] = vehicle_ts otherwise.
func (r *Recorder) Record(serviceKey string, rows []Row, lastPassedSeq int, vehicleTs int64, trainId string,
	forcedArrivals, forcedDepartures map[int]int64) {
	if serviceKey == "" {
		return
	}
	r.RegisterServiceTrain(serviceKey, trainId)

	rowsBySeq := make(map[int]Row, len(rows))
	for _, row := range rows {
		rowsBySeq[row.Seq] = row
	}
	if len(rowsBySeq) == 0 {
		return
	}

	r.mu.Lock()
	svc, ok := r.services[serviceKey]
	if !ok {
		svc = &service{bucket: make(map[int]*StopPassRecord)}
		r.services[serviceKey] = svc
	}
	prevSeq := svc.lastSeq
	r.mu.Unlock()

	if lastPassedSeq <= prevSeq {
		return
	}

	defaultEpoch := vehicleTs
	if defaultEpoch == 0 {
		defaultEpoch = time.Now().Unix()
	}

	seqs := make([]int, 0, len(rowsBySeq))
	for seq := range rowsBySeq {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seq := range seqs {
		if seq <= prevSeq || seq > lastPassedSeq {
			continue
		}
		row := rowsBySeq[seq]
		if row.StopId == "" {
			continue
		}

		arrEpoch, hasArr := arrivalEpoch(row, seq, forcedArrivals, defaultEpoch)
		depEpoch, hasDep := departureEpoch(row, seq, forcedDepartures, defaultEpoch)

		rec, ok := svc.bucket[seq]
		if !ok {
			rec = &StopPassRecord{StopSequence: seq, StopId: row.StopId}
			svc.bucket[seq] = rec
		} else if rec.StopId == "" {
			rec.StopId = row.StopId
		}

		if hasArr && (!rec.HasArrival || arrEpoch < rec.ArrivalEpoch) {
			rec.ArrivalEpoch = arrEpoch
			rec.HasArrival = true
			if row.HasSchedArr {
				rec.ArrivalDelaySec = int(arrEpoch - row.SchedArr)
				rec.HasArrivalDelay = true
			} else if !rec.HasArrivalDelay && row.HasSchedDep {
				rec.ArrivalDelaySec = int(arrEpoch - row.SchedDep)
				rec.HasArrivalDelay = true
			}
		}

		if hasDep && (!rec.HasDeparture || depEpoch < rec.DepartureEpoch) {
			rec.DepartureEpoch = depEpoch
			rec.HasDeparture = true
			if row.HasSchedDep {
				rec.DepartureDelaySec = int(depEpoch - row.SchedDep)
				rec.HasDepartureDelay = true
			} else if !rec.HasDepartureDelay && row.HasSchedArr {
				rec.DepartureDelaySec = int(depEpoch - row.SchedArr)
				rec.HasDepartureDelay = true
			}
		}
	}

	if lastPassedSeq > svc.lastSeq {
		svc.lastSeq = lastPassedSeq
	}
	svc.lastUpdate = timeFromEpoch(vehicleTs, defaultEpoch)
}

func arrivalEpoch(row Row, seq int, forced map[int]int64, defaultEpoch int64) (int64, bool) {
	if v, ok := forced[seq]; ok {
		if v != 0 {
			return v, true
		}
		return defaultEpoch, true
	}
	if row.HasPassedAt {
		return row.PassedAt, true
	}
	if row.HasArrival {
		return row.ArrivalEpoch, true
	}
	if row.HasEtaArr {
		return row.EtaArr, true
	}
	if row.HasTuArr {
		return row.TuArr, true
	}
	if row.HasEtaDep {
		return row.EtaDep, true
	}
	if row.HasTuDep {
		return row.TuDep, true
	}
	return 0, false
}

func departureEpoch(row Row, seq int, forced map[int]int64, defaultEpoch int64) (int64, bool) {
	if v, ok := forced[seq]; ok {
		if v != 0 {
			return v, true
		}
		return defaultEpoch, true
	}
	if row.HasDepartedAt {
		return row.DepartedAt, true
	}
	if row.HasEtaDep {
		return row.EtaDep, true
	}
	if row.HasTuDep {
		return row.TuDep, true
	}
	return 0, false
}

func timeFromEpoch(ts, fallback int64) time.Time {
	if ts != 0 {
		return time.Unix(ts, 0)
	}
	return time.Unix(fallback, 0)
}

// Sweep evicts services that have had no update for longer than EvictAfter.
func (r *Recorder) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	cutoff := now.Add(-EvictAfter)
	for key, svc := range r.services {
		if svc.lastUpdate.Before(cutoff) {
			delete(r.services, key)
			trainIds := r.serviceToTrains[key]
			delete(r.serviceToTrains, key)
			for tid := range trainIds {
				delete(r.trainToService, tid)
			}
			removed++
		}
	}
	return removed
}
