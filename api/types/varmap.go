/*
 * Copyright 2024 The MedRelay Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package types

import (
	"bytes"
	"encoding/json"
)

// VarMap 有序的键值作用域变量表
// VarMap is an ordered string-keyed map of loosely typed values. It backs the
// source/channel/connector/response scope maps that user scripts read and
// write. Insertion order is preserved because the maps are serialized to JSON
// for persistence and consumers rely on a stable field order.
type VarMap struct {
	keys   []string
	values map[string]interface{}
}

// NewVarMap creates an empty VarMap.
func NewVarMap() *VarMap {
	return &VarMap{values: make(map[string]interface{})}
}

// BuildVarMap creates a VarMap from a plain map. Key order of the result is
// unspecified for the initial entries.
func BuildVarMap(data map[string]interface{}) *VarMap {
	vm := NewVarMap()
	for k, v := range data {
		vm.Put(k, v)
	}
	return vm
}

// Put sets a value, appending the key on first insertion. Empty keys are
// ignored.
func (vm *VarMap) Put(key string, value interface{}) {
	if key == "" {
		return
	}
	if _, ok := vm.values[key]; !ok {
		vm.keys = append(vm.keys, key)
	}
	vm.values[key] = value
}

// Get returns the value and whether the key is present.
func (vm *VarMap) Get(key string) (interface{}, bool) {
	v, ok := vm.values[key]
	return v, ok
}

// GetString returns the value as a string, "" when absent or not a string.
func (vm *VarMap) GetString(key string) string {
	if v, ok := vm.values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Has reports whether the key is present.
func (vm *VarMap) Has(key string) bool {
	_, ok := vm.values[key]
	return ok
}

// Keys returns the keys in insertion order.
func (vm *VarMap) Keys() []string {
	keys := make([]string, len(vm.keys))
	copy(keys, vm.keys)
	return keys
}

// Values returns the backing map. Mutations through the returned map are
// visible to the VarMap but do not register new keys; call Resync afterwards
// when new keys may have been added (script runtimes mutate this map in
// place).
func (vm *VarMap) Values() map[string]interface{} {
	return vm.values
}

// Resync appends any keys present in the backing map but missing from the
// ordered key list, e.g. after a script mutated Values() directly.
func (vm *VarMap) Resync() {
	for k := range vm.values {
		found := false
		for _, known := range vm.keys {
			if known == k {
				found = true
				break
			}
		}
		if !found {
			vm.keys = append(vm.keys, k)
		}
	}
}

// Len returns the number of entries.
func (vm *VarMap) Len() int {
	return len(vm.keys)
}

// Copy 复制
func (vm *VarMap) Copy() *VarMap {
	clone := NewVarMap()
	for _, k := range vm.keys {
		clone.Put(k, vm.values[k])
	}
	return clone
}

// Merge puts every entry of other into the map, overwriting existing keys.
func (vm *VarMap) Merge(other *VarMap) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		vm.Put(k, other.values[k])
	}
}

// MarshalJSON serializes entries in insertion order.
func (vm *VarMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range vm.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyData, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyData)
		buf.WriteByte(':')
		valueData, err := json.Marshal(vm.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valueData)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON restores entries; key order follows the document order.
func (vm *VarMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok != json.Delim('{') {
		return &json.UnmarshalTypeError{Value: "non-object", Type: nil}
	}
	vm.keys = nil
	vm.values = make(map[string]interface{})
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)
		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return err
		}
		vm.Put(key, value)
	}
	_, err = dec.Token()
	return err
}
