// Copyright 2020 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ipam

import (
	"errors"
	"fmt"
	"math/rand"
)

var (
	ErrInvalidName  = errors.New("network name requires a combination of 6 to 10 letters or numbers")
	ErrVNIExhausted = errors.New("network vni is full")
)

const (
	// VNISpace is the number of distinct VXLAN network identifiers.
	VNISpace = 1 << 24

	// vniAttempts bounds the random search for a free VNI.
	vniAttempts = 10

	suffixChars = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// ValidateName checks that name is 6 to 10 ASCII letters or digits.
func ValidateName(name string) error {
	if len(name) < 6 || len(name) > 10 {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, ch := range name {
		if !isAlnum(ch) {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

func isAlnum(ch rune) bool {
	return ('0' <= ch && ch <= '9') || ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z')
}

// BridgeName and VxlanName derive the Linux device names for a
// network.
func BridgeName(network string) string { return "br" + network }
func VxlanName(network string) string  { return "vx" + network }

// AllocateVNI picks a uniformly random VNI for which inUse returns
// false. It gives up after a fixed number of attempts.
func AllocateVNI(rng *rand.Rand, inUse func(uint32) bool) (uint32, error) {
	for i := 0; i < vniAttempts; i++ {
		vni := uint32(rng.Intn(VNISpace))
		if !inUse(vni) {
			return vni, nil
		}
	}
	return 0, ErrVNIExhausted
}

// RandomSuffix returns n random lowercase letters and digits. It's
// used to name the DHCP server's tap interface.
func RandomSuffix(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = suffixChars[rng.Intn(len(suffixChars))]
	}
	return string(b)
}
