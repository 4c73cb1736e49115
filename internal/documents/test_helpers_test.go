package documents

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%04d", p.prefix, p.next), nil
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Millisecond)
	return c.current
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate document schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, maxVersions int) *Service {
	t.Helper()
	clock := &steppingClock{current: time.Unix(1700000000, 0).UTC()}
	service, err := NewService(ServiceConfig{
		Database:    openTestDatabase(t),
		Clock:       clock.Now,
		IDProvider:  &sequenceIDProvider{prefix: "id"},
		MaxVersions: maxVersions,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}
