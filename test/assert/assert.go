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

// Package assert provides the minimal assertion helpers used by the tests.
package assert

import (
	"reflect"
	"testing"
)

// Equal asserts that expected and actual are deeply equal.
func Equal(t *testing.T, expected, actual interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if !objectsAreEqual(expected, actual) {
		t.Errorf("not equal, expected=%v actual=%v %v", expected, actual, msgAndArgs)
	}
}

// NotEqual asserts that expected and actual are not deeply equal.
func NotEqual(t *testing.T, expected, actual interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if objectsAreEqual(expected, actual) {
		t.Errorf("should not be equal, value=%v %v", actual, msgAndArgs)
	}
}

// True asserts that value is true.
func True(t *testing.T, value bool, msgAndArgs ...interface{}) {
	t.Helper()
	if !value {
		t.Errorf("should be true %v", msgAndArgs)
	}
}

// False asserts that value is false.
func False(t *testing.T, value bool, msgAndArgs ...interface{}) {
	t.Helper()
	if value {
		t.Errorf("should be false %v", msgAndArgs)
	}
}

// Nil asserts that value is nil.
func Nil(t *testing.T, value interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if !isNil(value) {
		t.Errorf("should be nil, value=%v %v", value, msgAndArgs)
	}
}

// NotNil asserts that value is not nil.
func NotNil(t *testing.T, value interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if isNil(value) {
		t.Errorf("should not be nil %v", msgAndArgs)
	}
}

func objectsAreEqual(expected, actual interface{}) bool {
	if expected == nil || actual == nil {
		return expected == actual
	}
	return reflect.DeepEqual(expected, actual)
}

func isNil(value interface{}) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}
