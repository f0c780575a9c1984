package utils

import "sync"

// MutexMap provides a mutex per string key, dropping entries once no caller
// holds or waits on them. Used to serialize checkpoint access per trial.
type MutexMap struct {
	edit    sync.Mutex
	waiters map[string]int
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		waiters: make(map[string]int),
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.edit.Lock()

	if m.mutexes[key] == nil {
		m.mutexes[key] = &sync.Mutex{}
	}
	m.waiters[key]++
	mu := m.mutexes[key]

	m.edit.Unlock()

	mu.Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.edit.Lock()
	defer m.edit.Unlock()

	mu := m.mutexes[key]
	if mu == nil {
		return
	}

	mu.Unlock()
	m.waiters[key]--

	if m.waiters[key] == 0 {
		delete(m.mutexes, key)
		delete(m.waiters, key)
	}
}
