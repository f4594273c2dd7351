package store

import (
	"encoding/json"
	"fmt"
	"strings"
)

// normalize maps v into the store's value space: plain JSON trees with
// server timestamps resolved, null children dropped and empty maps removed.
func normalize(v any, now string) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return prune(out, now)
}

func isServerTimestamp(m map[string]any) bool {
	return len(m) == 1 && m[".sv"] == "timestamp"
}

func prune(v any, now string) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}
	if isServerTimestamp(m) {
		return now, nil
	}
	for k, c := range m {
		if err := validKey(k); err != nil {
			return nil, fmt.Errorf("%w: key %q", ErrInvalidValue, k)
		}
		pc, err := prune(c, now)
		if err != nil {
			return nil, err
		}
		if pc == nil {
			delete(m, k)
			continue
		}
		m[k] = pc
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func clone(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, c := range m {
		out[k] = clone(c)
	}
	return out
}

func treeGet(root map[string]any, segs []string) any {
	var node any = root
	for _, s := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[s]
	}
	return node
}

// treeSet writes v at segs below node, creating parents and pruning maps
// left empty. A nil v deletes.
func treeSet(node map[string]any, segs []string, v any) {
	k := segs[0]
	if len(segs) == 1 {
		if v == nil {
			delete(node, k)
		} else {
			node[k] = v
		}
		return
	}
	child, ok := node[k].(map[string]any)
	if !ok {
		if v == nil {
			return
		}
		child = map[string]any{}
		node[k] = child
	}
	treeSet(child, segs[1:], v)
	if len(child) == 0 {
		delete(node, k)
	}
}

// flatten writes every leaf of v below prefix into out as encoded JSON.
func flatten(prefix string, v any, out map[string]string) error {
	if m, ok := v.(map[string]any); ok {
		for k, c := range m {
			if err := flatten(Join(prefix, k), c, out); err != nil {
				return err
			}
		}
		return nil
	}
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	out[prefix] = string(b)
	return nil
}

// unflatten rebuilds the value at base from encoded leaves keyed by full path.
func unflatten(base string, leaves map[string]string) (any, error) {
	if raw, ok := leaves[base]; ok {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	root := map[string]any{}
	for p, raw := range leaves {
		rel := p
		if base != "" {
			if !strings.HasPrefix(p, base+"/") {
				continue
			}
			rel = p[len(base)+1:]
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, err
		}
		treeSet(root, strings.Split(rel, "/"), v)
	}
	if len(root) == 0 {
		return nil, nil
	}
	return root, nil
}
