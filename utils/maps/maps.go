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

package maps

import "github.com/mitchellh/mapstructure"

// Map2Struct decodes an untyped configuration map into a typed struct.
// output must be a pointer to a struct or map.
func Map2Struct(input interface{}, output interface{}) error {
	return mapstructure.Decode(input, output)
}

// Map2StructWeakly decodes like Map2Struct but with weakly typed conversion,
// so "8080" fills an int field and 1 fills a bool field.
func Map2StructWeakly(input interface{}, output interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           output,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
