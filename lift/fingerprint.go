// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package lift

import (
	"fmt"

	"github.com/dchest/siphash"
)

const fpk0, fpk1 = 0, 1

// Fingerprint returns a siphash of one lifted function's serialized
// *ir.Func text. The hashed text includes the function's name and its
// local value numbers; neither is normalized away.
func (b *Builder) Fingerprint(function string) (uint64, error) {
	sig, ok := b.sigs[function]
	if !ok {
		return 0, fmt.Errorf("fingerprint: no such function %q", function)
	}
	return siphash.Hash(fpk0, fpk1, []byte(sig.Func.String())), nil
}
