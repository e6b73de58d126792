// Package profile maintains per-user behavioral baselines and scores
// how far an event deviates from them.
package profile

import (
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/feature"
)

// Anomaly weight constants. Weighted contributions sum and cap at 1.0.
const (
	weightExtremeAmount  = 0.4 // z-score beyond 3 sigma
	weightUnusualAmount  = 0.2 // z-score beyond 2 sigma
	weightNewMerchant    = 0.2
	weightNewCategory    = 0.1
	weightUnusualHour    = 0.2
	weightUnusualDay     = 0.1
	weightLoginHour      = 0.3
	weightLoginLocation  = 0.4
	weightLoginIP        = 0.2
	weightLoginUserAgent = 0.1
)

type txRecord struct {
	ts       time.Time
	amount   float64
	merchant string
	category string
	country  string
}

type loginRecord struct {
	ts      time.Time
	device  string
	country string
	ip      string
	ua      string
}

type profile struct {
	mu sync.Mutex

	firstSeen time.Time
	txns      []txRecord
	logins    []loginRecord

	devices map[string]time.Time
	lastLat float64
	lastLon float64
	lastGeo time.Time
	hasGeo  bool
}

// Store holds behavioral profiles sharded by entity id. All access is
// per-entity: two users never contend on the same lock.
type Store struct {
	shards    []*storeShard
	retention time.Duration
	maxSize   int
}

type storeShard struct {
	mu       sync.RWMutex
	profiles map[string]*profile
}

// NewStore builds a profile store with the configured sharding,
// retention window and per-user history bound.
func NewStore(cfg domain.ProfileConfig) *Store {
	shards := cfg.Shards
	if shards <= 0 {
		shards = 64
	}
	maxSize := cfg.MaxHistorySize
	if maxSize <= 0 {
		maxSize = 1000
	}
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}

	s := &Store{
		shards:    make([]*storeShard, shards),
		retention: retention,
		maxSize:   maxSize,
	}
	for i := range s.shards {
		s.shards[i] = &storeShard{profiles: make(map[string]*profile)}
	}
	return s
}

func (s *Store) shard(tenantID, userID string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// get returns the profile for a user, creating it atomically on first
// sight.
func (s *Store) get(tenantID, userID string) *profile {
	sh := s.shard(tenantID, userID)
	key := tenantID + "|" + userID

	sh.mu.RLock()
	p, ok := sh.profiles[key]
	sh.mu.RUnlock()
	if ok {
		return p
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if p, ok := sh.profiles[key]; ok {
		return p
	}
	p = &profile{
		firstSeen: time.Now().UTC(),
		devices:   make(map[string]time.Time),
	}
	sh.profiles[key] = p
	return p
}

// peek returns the profile without creating one.
func (s *Store) peek(tenantID, userID string) *profile {
	sh := s.shard(tenantID, userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.profiles[tenantID+"|"+userID]
}

func (p *profile) prune(now time.Time, retention time.Duration, maxSize int) {
	cutoff := now.Add(-retention)
	i := 0
	for i < len(p.txns) && p.txns[i].ts.Before(cutoff) {
		i++
	}
	p.txns = p.txns[i:]
	if len(p.txns) > maxSize {
		p.txns = p.txns[len(p.txns)-maxSize:]
	}

	j := 0
	for j < len(p.logins) && p.logins[j].ts.Before(cutoff) {
		j++
	}
	p.logins = p.logins[j:]
	if len(p.logins) > maxSize {
		p.logins = p.logins[len(p.logins)-maxSize:]
	}

	for d, seen := range p.devices {
		if seen.Before(cutoff) {
			delete(p.devices, d)
		}
	}
}

// UpdateTransaction records a completed transaction into the user's
// baseline. Callers apply it only after the assessment finishes.
func (s *Store) UpdateTransaction(tenantID string, ev *domain.TransactionEvent) {
	p := s.get(tenantID, ev.UserID)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.txns = append(p.txns, txRecord{
		ts:       ev.Timestamp.UTC(),
		amount:   ev.Amount,
		merchant: ev.MerchantID,
		category: ev.MerchantCategory,
		country:  ev.Country,
	})
	if ev.DeviceID != "" {
		p.devices[ev.DeviceID] = ev.Timestamp.UTC()
	}
	p.prune(time.Now().UTC(), s.retention, s.maxSize)
}

// UpdateLogin records a login into the user's baseline, including the
// last known geolocation for travel checks.
func (s *Store) UpdateLogin(tenantID string, ev *domain.LoginEvent) {
	p := s.get(tenantID, ev.UserID)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logins = append(p.logins, loginRecord{
		ts:      ev.Timestamp.UTC(),
		device:  ev.DeviceID,
		country: ev.Country,
		ip:      ev.IPAddress,
		ua:      ev.UserAgent,
	})
	if ev.DeviceID != "" {
		p.devices[ev.DeviceID] = ev.Timestamp.UTC()
	}
	if ev.Latitude != nil && ev.Longitude != nil {
		p.lastLat = *ev.Latitude
		p.lastLon = *ev.Longitude
		p.lastGeo = ev.Timestamp.UTC()
		p.hasGeo = true
	}
	p.prune(time.Now().UTC(), s.retention, s.maxSize)
}

// TransactionAnomalyScore scores how far a transaction deviates from
// the user's baseline. Unknown users score 0.
func (s *Store) TransactionAnomalyScore(tenantID string, ev *domain.TransactionEvent) float64 {
	p := s.peek(tenantID, ev.UserID)
	if p == nil {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.txns) == 0 {
		return 0
	}

	mean, std := amountStats(p.txns)
	merchants := make(map[string]bool)
	categories := make(map[string]bool)
	hours := make(map[int]bool)
	days := make(map[time.Weekday]bool)
	for _, tx := range p.txns {
		if tx.merchant != "" {
			merchants[tx.merchant] = true
		}
		if tx.category != "" {
			categories[tx.category] = true
		}
		hours[tx.ts.Hour()] = true
		days[tx.ts.Weekday()] = true
	}

	score := 0.0
	if std > 0 {
		z := math.Abs(ev.Amount-mean) / std
		if z > 3 {
			score += weightExtremeAmount
		} else if z > 2 {
			score += weightUnusualAmount
		}
	}
	if ev.MerchantID != "" && !merchants[ev.MerchantID] {
		score += weightNewMerchant
	}
	if ev.MerchantCategory != "" && !categories[ev.MerchantCategory] {
		score += weightNewCategory
	}
	ts := ev.Timestamp.UTC()
	if !hours[ts.Hour()] {
		score += weightUnusualHour
	}
	if !days[ts.Weekday()] {
		score += weightUnusualDay
	}

	return math.Min(score, 1.0)
}

// LoginAnomalyScore scores how far a login deviates from the user's
// login baseline. Unknown users score 0.
func (s *Store) LoginAnomalyScore(tenantID string, ev *domain.LoginEvent) float64 {
	p := s.peek(tenantID, ev.UserID)
	if p == nil {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.logins) == 0 {
		return 0
	}

	hours := make(map[int]bool)
	countries := make(map[string]bool)
	ips := make(map[string]bool)
	uas := make(map[string]bool)
	for _, l := range p.logins {
		hours[l.ts.Hour()] = true
		if l.country != "" {
			countries[l.country] = true
		}
		if l.ip != "" {
			ips[l.ip] = true
		}
		if l.ua != "" {
			uas[l.ua] = true
		}
	}

	score := 0.0
	if !hours[ev.Timestamp.UTC().Hour()] {
		score += weightLoginHour
	}
	if ev.Country != "" && !countries[ev.Country] {
		score += weightLoginLocation
	}
	if ev.IPAddress != "" && !ips[ev.IPAddress] {
		score += weightLoginIP
	}
	if ev.UserAgent != "" && !uas[ev.UserAgent] {
		score += weightLoginUserAgent
	}

	return math.Min(score, 1.0)
}

// KnownDevice reports whether the user has used this device before.
func (s *Store) KnownDevice(tenantID, userID, deviceID string) bool {
	if deviceID == "" {
		return false
	}
	p := s.peek(tenantID, userID)
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.devices[deviceID]
	return ok
}

// LastGeo returns the user's last recorded geolocation, if any.
func (s *Store) LastGeo(tenantID, userID string) (lat, lon float64, at time.Time, ok bool) {
	p := s.peek(tenantID, userID)
	if p == nil {
		return 0, 0, time.Time{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasGeo {
		return 0, 0, time.Time{}, false
	}
	return p.lastLat, p.lastLon, p.lastGeo, true
}

// History assembles the feature extraction inputs for a user against
// the given event time. Velocity fields are left for the caller to
// fill from a tracker snapshot.
func (s *Store) History(tenantID, userID string, at time.Time, deviceID, country string) *feature.History {
	p := s.peek(tenantID, userID)
	if p == nil {
		return &feature.History{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	h := &feature.History{
		AccountAgeDays: at.Sub(p.firstSeen).Hours() / 24,
	}
	if h.AccountAgeDays < 0 {
		h.AccountAgeDays = 0
	}
	countries := make(map[string]bool)
	for _, l := range p.logins {
		if l.country != "" {
			countries[l.country] = true
		}
	}
	for _, tx := range p.txns {
		if tx.country != "" {
			countries[tx.country] = true
		}
	}
	if deviceID != "" {
		_, h.KnownDevice = p.devices[deviceID]
	}
	if country != "" {
		h.KnownLocation = countries[country]
	}
	if len(p.txns) == 0 {
		return h
	}

	h.AvgAmount, h.StdAmount = amountStats(p.txns)

	cutoff30d := at.Add(-30 * 24 * time.Hour)
	var sum30 float64
	var count30 int
	merchants30 := make(map[string]bool)
	hourCounts := make(map[int]int)
	for _, tx := range p.txns {
		hourCounts[tx.ts.Hour()]++
		if !tx.ts.Before(cutoff30d) {
			sum30 += tx.amount
			count30++
			if tx.merchant != "" {
				merchants30[tx.merchant] = true
			}
		}
	}

	h.TxCount30d = float64(count30)
	h.UniqueMerchants30d = float64(len(merchants30))
	if count30 > 0 {
		h.AvgAmount30d = sum30 / float64(count30)
	}
	h.UsualHours = modeHours(hourCounts)

	return h
}

// TransactionCount returns the size of the retained transaction
// history for a user.
func (s *Store) TransactionCount(tenantID, userID string) int {
	p := s.peek(tenantID, userID)
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txns)
}

// modeHours picks the most frequent transaction hours, keeping every
// hour tied at the top frequency. A user with 10 daytime purchases and
// one 3am outlier keeps only the daytime hours as usual.
func modeHours(counts map[int]int) map[int]bool {
	max := 0
	for _, n := range counts {
		if n > max {
			max = n
		}
	}
	usual := make(map[int]bool, len(counts))
	for hour, n := range counts {
		if n == max {
			usual[hour] = true
		}
	}
	return usual
}

func amountStats(txns []txRecord) (mean, std float64) {
	if len(txns) == 0 {
		return 0, 0
	}
	var sum float64
	for _, tx := range txns {
		sum += tx.amount
	}
	mean = sum / float64(len(txns))

	var sq float64
	for _, tx := range txns {
		d := tx.amount - mean
		sq += d * d
	}
	std = math.Sqrt(sq / float64(len(txns)))
	return mean, std
}
