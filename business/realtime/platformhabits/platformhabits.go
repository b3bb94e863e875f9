// Package platformhabits remembers, per (nucleus, route_id, stop_id),
// which platform a route habitually uses and predicts the likely platform
// for a future call under time-decayed weighting.
package platformhabits

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	HalfLifeDaysDefault = 30.0
	PublishMinEffective = 8.0
	StaleMaxDays        = 180.0
	MaxObservationsPerPlatform = 120
	ThrottleSeconds     = 25.0
)

// key identifies one (nucleus, route_id, stop_id) bucket.
type key struct {
	Nucleus string
	RouteId string
	StopId  string
}

// Prediction is the output of habitual_for.
type Prediction struct {
	Primary       string
	HasPrimary    bool
	Secondary     string
	HasSecondary  bool
	Confidence    float64
	NEffective    float64
	LastSeenEpoch int64
	HasLastSeen   bool
	Publishable   bool
	AllFreqs      map[string]float64
}

// blacklistEntry suppresses (nucleus, stop_id, route_id|*) combinations.
type blacklistEntry struct {
	Nucleus string
	StopId  string
	RouteId string
}

// Store is the C10 persisted habit tracker.
type Store struct {
	mu           sync.RWMutex
	halfLifeDays float64
	jsonPath     string
	blacklist    []blacklistEntry
	buckets      map[key]map[string][]int64
}

// New builds a Store and loads any existing JSON state and blacklist CSV.
// jsonPath and blacklistCSVPath may be empty to skip persistence.
func New(jsonPath, blacklistCSVPath string) *Store {
	s := &Store{
		halfLifeDays: HalfLifeDaysDefault,
		jsonPath:     jsonPath,
		buckets:      make(map[key]map[string][]int64),
	}
	s.load(blacklistCSVPath)
	return s
}

// Observe records one platform sighting for (nucleus, routeId, stopId) at
// epoch, throttled to one observation per ThrottleSeconds and capped at
// MaxObservationsPerPlatform. Persists best-effort after each accepted write.
func (s *Store) Observe(nucleus, routeId, stopId, platform string, epoch int64) {
	p := NormalizePlatform(platform)
	if p == "" || routeId == "" || stopId == "" {
		return
	}
	nuc := strings.ToLower(strings.TrimSpace(nucleus))
	k := key{Nucleus: nuc, RouteId: routeId, StopId: stopId}

	s.mu.Lock()
	bucket, ok := s.buckets[k]
	if !ok {
		bucket = make(map[string][]int64)
		s.buckets[k] = bucket
	}
	arr := bucket[p]
	if len(arr) > 0 && abs64(epoch-arr[len(arr)-1]) < ThrottleSeconds {
		s.mu.Unlock()
		return
	}
	arr = append(arr, epoch)
	if len(arr) > MaxObservationsPerPlatform {
		arr = arr[len(arr)-MaxObservationsPerPlatform:]
	}
	bucket[p] = arr
	s.mu.Unlock()

	_ = s.save()
}

// HabitualFor predicts the habitual platform for (nucleus, routeId, stopId)
// as of now, trying candidate key-sets from most to least specific.
func (s *Store) HabitualFor(nucleus, routeId, stopId string, now time.Time) Prediction {
	nuc := strings.ToLower(strings.TrimSpace(nucleus))
	nowEpoch := now.Unix()

	for _, keySet := range s.candidateKeySets(nuc, routeId, stopId) {
		if agg := s.aggregate(keySet, nowEpoch); len(agg) > 0 {
			return decide(agg, nowEpoch)
		}
	}
	return Prediction{AllFreqs: map[string]float64{}}
}

type weighted struct {
	weight   float64
	lastSeen int64
}

// candidateKeySets returns exact, nucleus-relaxed, and fully-relaxed key
// sets, in that priority order, skipping any that are empty.
func (s *Store) candidateKeySets(nucleus, routeId, stopId string) [][]key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lvl1, lvl2, lvl3 []key
	for k := range s.buckets {
		if k.StopId != stopId {
			continue
		}
		lvl3 = append(lvl3, k)
		if k.Nucleus == nucleus {
			lvl2 = append(lvl2, k)
		}
		if k.Nucleus == nucleus && k.RouteId == routeId {
			lvl1 = append(lvl1, k)
		}
	}

	var out [][]key
	for _, level := range [][]key{lvl1, lvl2, lvl3} {
		if len(level) > 0 {
			out = append(out, level)
		}
	}
	return out
}

func (s *Store) aggregate(keySet []key, now int64) map[string]weighted {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make(map[string]weighted)
	for _, k := range keySet {
		platforms := s.buckets[k]
		for plat, epochs := range platforms {
			if s.isBlacklisted(k, plat) {
				continue
			}
			var wSum float64
			var lastSeen int64
			for _, ts := range epochs {
				ageDays := math.Max(0, float64(now-ts)/86400.0)
				wSum += decayWeight(ageDays, s.halfLifeDays)
				if ts > lastSeen {
					lastSeen = ts
				}
			}
			if wSum <= 0 {
				continue
			}
			cur := res[plat]
			cur.weight += wSum
			if lastSeen > cur.lastSeen {
				cur.lastSeen = lastSeen
			}
			res[plat] = cur
		}
	}
	return res
}

func decide(agg map[string]weighted, now int64) Prediction {
	totalW := 0.0
	for _, w := range agg {
		totalW += w.weight
	}
	freqs := make(map[string]float64, len(agg))
	type ranked struct {
		platform string
		freq     float64
	}
	var ordered []ranked
	var lastSeen int64
	for plat, w := range agg {
		f := w.weight / totalW
		freqs[plat] = f
		ordered = append(ordered, ranked{plat, f})
		if w.lastSeen > lastSeen {
			lastSeen = w.lastSeen
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].freq > ordered[j].freq })

	pred := Prediction{AllFreqs: freqs, NEffective: totalW}
	if len(ordered) > 0 {
		pred.Primary = ordered[0].platform
		pred.HasPrimary = true
		pred.Confidence = ordered[0].freq
	}
	if len(ordered) > 1 {
		pred.Secondary = ordered[1].platform
		pred.HasSecondary = true
	}
	ageDays := 1e9
	if lastSeen > 0 {
		pred.LastSeenEpoch = lastSeen
		pred.HasLastSeen = true
		ageDays = float64(now-lastSeen) / 86400.0
	}
	pred.Publishable = totalW >= PublishMinEffective && ageDays <= StaleMaxDays
	return pred
}

func decayWeight(ageDays, halfLifeDays float64) float64 {
	return math.Pow(2.0, -ageDays/halfLifeDays)
}

func (s *Store) isBlacklisted(k key, platform string) bool {
	for _, b := range s.blacklist {
		if b.Nucleus != "" && b.Nucleus != k.Nucleus {
			continue
		}
		if b.StopId != "" && b.StopId != k.StopId {
			continue
		}
		if b.RouteId != "" && b.RouteId != "*" && b.RouteId != k.RouteId {
			continue
		}
		return true
	}
	return false
}

// NormalizePlatform strips "Vía/Platform/Andén" prefixes and non-digit
// suffixes, keeping up to 3 digits plus an optional 3-letter suffix,
// uppercased. Returns "" when the input has no usable digit run.
func NormalizePlatform(s string) string {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return ""
	}
	replacer := strings.NewReplacer(
		"Vía", "", "Via", "", "VIA", "",
		"Andén", "", "Anden", "", "ANDEN", "",
		"Platform", "", "Pl.", "", "PL.", "",
		":", " ", "-", " ",
	)
	raw = strings.TrimSpace(replacer.Replace(raw))
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}
	token := strings.ToUpper(fields[0])

	var digits, letters strings.Builder
loop:
	for _, ch := range token {
		switch {
		case ch >= '0' && ch <= '9':
			digits.WriteRune(ch)
		case ch >= 'A' && ch <= 'Z':
			letters.WriteRune(ch)
		default:
			break loop
		}
	}
	d := digits.String()
	if d == "" || len(d) > 3 {
		return ""
	}
	n, err := strconv.Atoi(d)
	if err != nil {
		return ""
	}
	l := letters.String()
	if len(l) > 3 {
		l = l[:3]
	}
	if l != "" {
		return fmt.Sprintf("%d%s", n, l)
	}
	return strconv.Itoa(n)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// persisted is the on-disk JSON shape: `{meta, entries: {"nuc|route|stop": {platforms: {...}}}}`.
type persisted struct {
	Meta    persistedMeta              `json:"meta"`
	Entries map[string]persistedBucket `json:"entries"`
}

type persistedMeta struct {
	Version      int     `json:"version"`
	UpdatedAt    int64   `json:"updated_at"`
	HalfLifeDays float64 `json:"half_life_days"`
}

type persistedBucket struct {
	Platforms map[string][]int64 `json:"platforms"`
}

func (s *Store) load(blacklistCSVPath string) {
	if s.jsonPath != "" {
		if data, err := os.ReadFile(s.jsonPath); err == nil {
			var doc persisted
			if err := json.Unmarshal(data, &doc); err == nil {
				buckets := make(map[key]map[string][]int64, len(doc.Entries))
				for k, bucket := range doc.Entries {
					parts := strings.Split(k, "|")
					if len(parts) != 3 {
						continue
					}
					buckets[key{Nucleus: parts[0], RouteId: parts[1], StopId: parts[2]}] = bucket.Platforms
				}
				s.buckets = buckets
			}
		}
	}
	if blacklistCSVPath != "" {
		if entries, err := loadBlacklistCSV(blacklistCSVPath); err == nil {
			s.blacklist = entries
		}
	}
}

func loadBlacklistCSV(path string) ([]blacklistEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 0 {
		return nil, nil
	}
	header := strings.Split(lines[0], ",")
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}

	var out []blacklistEntry
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ",")
		entry := blacklistEntry{RouteId: "*"}
		if i, ok := col["nucleus"]; ok && i < len(fields) {
			entry.Nucleus = strings.TrimSpace(fields[i])
		}
		if i, ok := col["stop_id"]; ok && i < len(fields) {
			entry.StopId = strings.TrimSpace(fields[i])
		}
		if i, ok := col["route_id"]; ok && i < len(fields) && strings.TrimSpace(fields[i]) != "" {
			entry.RouteId = strings.TrimSpace(fields[i])
		}
		out = append(out, entry)
	}
	return out, nil
}

// save atomically writes the current state via write-temp-then-rename.
func (s *Store) save() error {
	if s.jsonPath == "" {
		return nil
	}
	s.mu.RLock()
	entries := make(map[string]persistedBucket, len(s.buckets))
	for k, bucket := range s.buckets {
		entries[strings.Join([]string{k.Nucleus, k.RouteId, k.StopId}, "|")] = persistedBucket{Platforms: bucket}
	}
	halfLife := s.halfLifeDays
	s.mu.RUnlock()

	doc := persisted{
		Meta: persistedMeta{Version: 2, UpdatedAt: time.Now().Unix(), HalfLifeDays: halfLife},
		Entries: entries,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal platform habits: %w", err)
	}

	dir := filepath.Dir(s.jsonPath)
	tmp, err := os.CreateTemp(dir, "platform_habits-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for platform habits: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write platform habits temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close platform habits temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.jsonPath); err != nil {
		return fmt.Errorf("rename platform habits temp file: %w", err)
	}
	return nil
}
