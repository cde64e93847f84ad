package healthstore

import (
	"context"
	"sync"
	"time"

	"github.com/RecoveryAshes/eventharvest/internal/models"
)

type proxyEntry struct {
	mu  sync.Mutex
	rec models.ProxyRecord
}

type selectorEntry struct {
	mu  sync.Mutex
	rec models.SelectorPattern
}

type selectorKey struct {
	site, field string
}

// MemoryStore 进程内健康存储
// 外层读写锁只保护索引,每条记录有自己的互斥锁
type MemoryStore struct {
	policy Policy

	mu        sync.RWMutex
	proxies   map[string]*proxyEntry
	selectors map[selectorKey]map[string]*selectorEntry
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(policy Policy) *MemoryStore {
	return &MemoryStore{
		policy:    policy,
		proxies:   make(map[string]*proxyEntry),
		selectors: make(map[selectorKey]map[string]*selectorEntry),
	}
}

func (m *MemoryStore) getOrCreateProxy(id string, create func() (models.ProxyRecord, error)) (*proxyEntry, bool, error) {
	m.mu.RLock()
	e, ok := m.proxies[id]
	m.mu.RUnlock()
	if ok {
		return e, false, nil
	}

	rec, err := create()
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.proxies[id]; ok {
		return e, false, nil
	}
	e = &proxyEntry{rec: rec}
	m.proxies[id] = e
	return e, true, nil
}

func (m *MemoryStore) snapshotProxies() []models.ProxyRecord {
	m.mu.RLock()
	entries := make([]*proxyEntry, 0, len(m.proxies))
	for _, e := range m.proxies {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]models.ProxyRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	return out
}

// ProxyCandidates 实现Store
func (m *MemoryStore) ProxyCandidates(ctx context.Context, minHealth float64) ([]models.ProxyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.policy.filterCandidates(m.snapshotProxies(), minHealth), nil
}

// RecordProxyResult 实现Store
func (m *MemoryStore) RecordProxyResult(ctx context.Context, id string, success bool, latency time.Duration) (models.ProxyRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.ProxyRecord{}, err
	}
	e, _, err := m.getOrCreateProxy(id, func() (models.ProxyRecord, error) { return models.ParseProxyID(id) })
	if err != nil {
		return models.ProxyRecord{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	m.policy.applyProxyResult(&e.rec, success, latency, m.policy.now())
	return e.rec, nil
}

// RegisterProxies 实现Store
func (m *MemoryStore) RegisterProxies(ctx context.Context, records []models.ProxyRecord) (int, error) {
	added := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		rec := rec
		if rec.ID == "" {
			rec.ID = models.ProxyID(rec.Scheme, rec.Host, rec.Port)
		}
		e, created, err := m.getOrCreateProxy(rec.ID, func() (models.ProxyRecord, error) {
			fresh := models.NewProxyRecord(rec.Scheme, rec.Host, rec.Port)
			fresh.Username, fresh.Password, fresh.Disabled = rec.Username, rec.Password, rec.Disabled
			return fresh, nil
		})
		if err != nil {
			return added, err
		}
		if created {
			added++
			continue
		}
		e.mu.Lock()
		e.rec.Username, e.rec.Password = rec.Username, rec.Password
		e.mu.Unlock()
	}
	return added, nil
}

// ListProxies 实现Store
func (m *MemoryStore) ListProxies(ctx context.Context) ([]models.ProxyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := m.snapshotProxies()
	sortProxies(out)
	return out, nil
}

// SelectorCandidates 实现Store
func (m *MemoryStore) SelectorCandidates(ctx context.Context, site, field string) ([]models.SelectorPattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	bucket := m.selectors[selectorKey{site, field}]
	entries := make([]*selectorEntry, 0, len(bucket))
	for _, e := range bucket {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]models.SelectorPattern, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	sortSelectors(out)
	return out, nil
}

// RecordSelectorResult 实现Store
func (m *MemoryStore) RecordSelectorResult(ctx context.Context, site, field string, pattern models.Pattern, success bool) (models.SelectorPattern, error) {
	if err := ctx.Err(); err != nil {
		return models.SelectorPattern{}, err
	}
	if err := validateSelectorArgs(site, field, pattern); err != nil {
		return models.SelectorPattern{}, err
	}

	key := selectorKey{site, field}
	m.mu.Lock()
	bucket, ok := m.selectors[key]
	if !ok {
		bucket = make(map[string]*selectorEntry)
		m.selectors[key] = bucket
	}
	e, ok := bucket[pattern.Key()]
	if !ok {
		e = &selectorEntry{rec: models.SelectorPattern{
			Site:    site,
			Field:   field,
			Pattern: pattern,
			Source:  models.SourceLearned,
		}}
		bucket[pattern.Key()] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if success {
		e.rec.Successes++
	} else {
		e.rec.Failures++
	}
	e.rec.Confidence = m.policy.confidence(e.rec.Successes, e.rec.Failures)
	e.rec.LastVerified = m.policy.now()
	return e.rec, nil
}

// Close 实现Store
func (m *MemoryStore) Close() error {
	return nil
}
