// Package delta encodes a document body as a difference against an ancestor
// revision the peer already holds. The format is deliberately small: a map
// of keys to set and a list of keys to remove, both at the top level. Any
// body that doesn't shrink under this format is sent in full instead; the
// pusher treats every failure here as "fall back to full body".
package delta

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/codetrek/replix/pkg/model"
)

type diff struct {
	Set    map[string]interface{} `json:"set,omitempty"`
	Remove []string               `json:"remove,omitempty"`
}

// Create returns a delta transforming ancestor into target, or an error if
// a delta would not be smaller than the full body.
func Create(ancestor, target map[string]interface{}) (json.RawMessage, error) {
	d := diff{Set: map[string]interface{}{}}
	for k, v := range target {
		if old, ok := ancestor[k]; !ok || !reflect.DeepEqual(old, v) {
			d.Set[k] = v
		}
	}
	for k := range ancestor {
		if _, ok := target[k]; !ok {
			d.Remove = append(d.Remove, k)
		}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	full, err := json.Marshal(target)
	if err != nil {
		return nil, err
	}
	if len(raw) >= len(full) {
		return nil, fmt.Errorf("delta (%d bytes) is no smaller than body (%d bytes)", len(raw), len(full))
	}
	return raw, nil
}

// Apply reconstructs a body by applying a delta to the ancestor it was
// computed against.
func Apply(ancestor map[string]interface{}, raw json.RawMessage) (map[string]interface{}, error) {
	var d diff
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrBadDelta, err)
	}
	body := make(map[string]interface{}, len(ancestor)+len(d.Set))
	for k, v := range ancestor {
		body[k] = v
	}
	for k, v := range d.Set {
		body[k] = v
	}
	for _, k := range d.Remove {
		delete(body, k)
	}
	return body, nil
}
