package license

import (
	"encoding/json"
	"strings"
)

// DeviceSet is an ordered set of device UUIDs. Order is binding order.
// The zero value is an empty set. Values are never mutated in place.
type DeviceSet struct {
	ids []string
}

// NewDeviceSet builds a set from ids, dropping blanks and repeats.
func NewDeviceSet(ids ...string) DeviceSet {
	var d DeviceSet
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || d.Contains(id) {
			continue
		}
		d.ids = append(d.ids, id)
	}
	return d
}

func (d DeviceSet) Len() int { return len(d.ids) }

func (d DeviceSet) Contains(id string) bool {
	for _, v := range d.ids {
		if v == id {
			return true
		}
	}
	return false
}

// With returns a copy of d with id appended. Adding a member returns d.
func (d DeviceSet) With(id string) DeviceSet {
	if id == "" || d.Contains(id) {
		return d
	}
	ids := make([]string, len(d.ids), len(d.ids)+1)
	copy(ids, d.ids)
	return DeviceSet{ids: append(ids, id)}
}

func (d DeviceSet) Slice() []string {
	out := make([]string, len(d.ids))
	copy(out, d.ids)
	return out
}

func (d DeviceSet) String() string { return strings.Join(d.ids, ",") }

func (d DeviceSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Slice())
}

func (d *DeviceSet) UnmarshalJSON(b []byte) error {
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*d = NewDeviceSet(ids...)
	return nil
}
