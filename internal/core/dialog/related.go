package dialog

import (
	"errors"
	"sync"
)

type Mode string

const (
	ModeNew      Mode = "new"
	ModeExisting Mode = "existing"
)

var ErrNoSelection = errors.New("no existing item selected")

// RelatedMediaDialog tracks the "add related item" dialog: either a new item
// is created, or an existing one is picked and linked.
type RelatedMediaDialog struct {
	mu         sync.Mutex
	mode       Mode
	selectedID string
}

func NewRelatedMediaDialog() *RelatedMediaDialog {
	return &RelatedMediaDialog{mode: ModeNew}
}

// SetMode switches tabs. The selection never survives a switch.
func (d *RelatedMediaDialog) SetMode(mode Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = mode
	d.selectedID = ""
}

func (d *RelatedMediaDialog) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *RelatedMediaDialog) Select(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selectedID = id
}

func (d *RelatedMediaDialog) Selected() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selectedID
}

func (d *RelatedMediaDialog) SubmitDisabled() bool {
	return d.Selected() == ""
}

// SubmitExisting returns the selected id for linking.
func (d *RelatedMediaDialog) SubmitExisting() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode != ModeExisting || d.selectedID == "" {
		return "", ErrNoSelection
	}
	return d.selectedID, nil
}
