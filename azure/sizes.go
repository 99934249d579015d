/*
Copyright 2024 The Azureformation Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package azure

import "strings"

// sizeCores maps a role size (lowercased) to the cores it consumes
// against the subscription quota. Covers the Basic/A/D/DS/G families.
var sizeCores = map[string]int{
	"a0":          1,
	"basic_a0":    1,
	"a1":          1,
	"basic_a1":    1,
	"a2":          2,
	"basic_a2":    2,
	"a3":          4,
	"basic_a3":    4,
	"a4":          8,
	"basic_a4":    8,
	"extra small": 1,
	"small":       1,
	"medium":      2,
	"large":       4,
	"extra large": 8,
	"a5":          2,
	"a6":          4,
	"a7":          8,
	"a8":          8,
	"a9":          16,

	"standard_d1":  1,
	"standard_d2":  2,
	"standard_d3":  4,
	"standard_d4":  8,
	"standard_d11": 2,
	"standard_d12": 4,
	"standard_d13": 8,
	"standard_d14": 16,

	"standard_ds1":  1,
	"standard_ds2":  2,
	"standard_ds3":  4,
	"standard_ds4":  8,
	"standard_ds11": 2,
	"standard_ds12": 4,
	"standard_ds13": 8,
	"standard_ds14": 16,

	"standard_g1": 2,
	"standard_g2": 4,
	"standard_g3": 8,
	"standard_g4": 16,
	"standard_g5": 32,
}

// CoresForSize returns the core count a role size consumes. An unknown
// size is a validation failure, never a zero-core default.
func CoresForSize(size string) (int, error) {
	cores, ok := sizeCores[strings.ToLower(size)]
	if !ok {
		return 0, NewKindError(InvalidTemplate, "unknown role size %q", size)
	}
	return cores, nil
}
