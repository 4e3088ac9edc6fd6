package canvas

import (
	"github.com/sharedcanvas/project/internal/contracts"
)

// Cache is the local mirror of the durable store that the UI renders. It
// is not safe for concurrent use; the Engine guards it.
type Cache struct {
	objects contracts.Snapshot
}

func NewCache() *Cache {
	return &Cache{objects: contracts.Snapshot{}}
}

// Replace overwrites the whole object set.
func (c *Cache) Replace(objects contracts.Snapshot) {
	c.objects = objects.Clone()
	contracts.SortDrawOrder(c.objects)
}

// Apply patches one object in place and reports whether it exists.
func (c *Cache) Apply(id string, patch contracts.ObjectPatch) bool {
	for i, obj := range c.objects {
		if obj.ID != id {
			continue
		}
		c.objects[i] = patch.Apply(obj)
		if patch.ZIndex != nil {
			contracts.SortDrawOrder(c.objects)
		}
		return true
	}
	return false
}

func (c *Cache) Get(id string) (contracts.CanvasObject, bool) {
	for _, obj := range c.objects {
		if obj.ID == id {
			return obj.Clone(), true
		}
	}
	return contracts.CanvasObject{}, false
}

func (c *Cache) Snapshot() contracts.Snapshot {
	return c.objects.Clone()
}

func (c *Cache) Len() int {
	return len(c.objects)
}
