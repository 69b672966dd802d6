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

// Derived numeric error codes recorded on a connector message, one per
// pipeline phase that can fail. 0 means no error.
const (
	ErrorCodeNone                = 0
	ErrorCodePreprocessor        = 501
	ErrorCodeFilterTransformer   = 502
	ErrorCodeDestination         = 503
	ErrorCodeResponseTransformer = 504
	ErrorCodePostprocessor       = 505
	ErrorCodeQueue               = 506
	ErrorCodeInternal            = 599
)
