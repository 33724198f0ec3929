package service

// CachedTimestamps reports how many instances have a cached latest audit timestamp.
func (a *AuditLog) CachedTimestamps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.last)
}
