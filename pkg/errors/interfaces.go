// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

// Classified is implemented by errors that carry an engine-level Kind.
// KindOf prefers this over type switching when present, which lets
// adapter packages define their own error types without importing the
// concrete structs here.
type Classified interface {
	error

	// ErrorKind returns the engine classification for this error.
	ErrorKind() Kind
}

// ErrorKind implements Classified for AdapterError.
func (e *AdapterError) ErrorKind() Kind { return e.Kind }

// ErrorKind implements Classified for ProviderError.
func (e *ProviderError) ErrorKind() Kind { return e.Kind }

// ErrorKind implements Classified for StageError.
func (e *StageError) ErrorKind() Kind { return e.Kind }
