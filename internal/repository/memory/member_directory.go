package memory

import (
	"context"
	"sync"
)

// MemberDirectory is an in-process member registry for development setups
// without a member table.
type MemberDirectory struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

func NewMemberDirectory() *MemberDirectory {
	return &MemberDirectory{members: make(map[string]struct{})}
}

func (d *MemberDirectory) Register(tenant, phone string) {
	d.mu.Lock()
	d.members[tenant+":"+phone] = struct{}{}
	d.mu.Unlock()
}

func (d *MemberDirectory) IsRegistered(_ context.Context, tenant, phone string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.members[tenant+":"+phone]
	return ok, nil
}
