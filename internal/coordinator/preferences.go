package coordinator

import (
	"sync"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
)

// Preferences remembers the mode last chosen per activity type
type Preferences interface {
	Preferred(activityType models.ActivityType) (Mode, bool)
	Remember(activityType models.ActivityType, mode Mode)
}

// MemoryPreferences keeps preferences for the life of the process
type MemoryPreferences struct {
	mu    sync.Mutex
	modes map[models.ActivityType]Mode
}

// NewMemoryPreferences creates an empty preference store
func NewMemoryPreferences() *MemoryPreferences {
	return &MemoryPreferences{modes: make(map[models.ActivityType]Mode)}
}

func (p *MemoryPreferences) Preferred(activityType models.ActivityType) (Mode, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mode, ok := p.modes[activityType]
	return mode, ok
}

func (p *MemoryPreferences) Remember(activityType models.ActivityType, mode Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modes[activityType] = mode
}
