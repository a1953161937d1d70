package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category identifies a class of fetch work with its own pool, limiter and
// controller.
type Category string

const (
	// CategoryBlock is a fixed time-span chunk of guide data.
	CategoryBlock Category = "block"
	// CategoryEntity is a single auxiliary record referenced by block data.
	CategoryEntity Category = "entity"
)

// Categories lists every category in dispatch order.
var Categories = []Category{CategoryBlock, CategoryEntity}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c == CategoryBlock || c == CategoryEntity
}

// ParseCategory converts a string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// Key identifies a cache entry.
type Key struct {
	Category Category `json:"category"`
	ID       string   `json:"id"`
}

// String returns "category/id".
func (k Key) String() string {
	return string(k.Category) + "/" + k.ID
}

// BlockKey returns the key of a time block.
func BlockKey(id string) Key {
	return Key{Category: CategoryBlock, ID: id}
}

// EntityKey returns the key of an entity record.
func EntityKey(id string) Key {
	return Key{Category: CategoryEntity, ID: id}
}

// Locator describes how to build the upstream request for a key.
type Locator struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Body        []byte            `json:"body,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Target is a key required by the current run together with its source.
type Target struct {
	Key    Key
	Source Locator
	// Start is the beginning of the covered time span. Zero for entities.
	Start time.Time
}

// Task is a unit of fetch work. Tasks live for a single acquisition cycle.
type Task struct {
	ID        string
	Category  Category
	Key       Key
	Source    Locator
	Priority  int64
	Attempts  int
	CreatedAt time.Time
}

// NewTask creates a task for target.
func NewTask(target Target, priority int64) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Category:  target.Key.Category,
		Key:       target.Key,
		Source:    target.Source,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}
