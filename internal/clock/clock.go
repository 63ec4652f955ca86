// Copyright 2025 Google LLC
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

// Package clock provides the time source the attribute cache and
// name-lookup bridge use for deadline bookkeeping, so that tests can
// control expiry deterministically instead of sleeping.
package clock

import "time"

// Clock is the minimal time source vnodefs depends on for cache
// deadlines. RealClock and SimulatedClock both satisfy it.
type Clock interface {
	Now() time.Time
}
