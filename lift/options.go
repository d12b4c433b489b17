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

import "fmt"

// StackLayout selects how a function's locals are materialized.
type StackLayout string

const (
	// SingleStruct lays all locals out as fields of one identified
	// aggregate type, addressed by field index.
	SingleStruct StackLayout = "single_struct"
	// ByteAddressable lays all locals out as consecutive bytes of one
	// aggregate, each accessed through a bitcast to a pointer of the
	// local's own width.
	ByteAddressable StackLayout = "byte_addressable"
	// NoOption allocates each local as an independent stack slot.
	NoOption StackLayout = "no_option"
)

func (s StackLayout) valid() bool {
	switch s {
	case SingleStruct, ByteAddressable, NoOption:
		return true
	}
	return false
}

// Options configures one lifting pass.
type Options struct {
	// Stack selects the locals layout policy. Required.
	Stack StackLayout

	// CompatQuirks, when true, reproduces one upstream quirk bug-for-bug
	// for golden-diffing against a reference lift: INT_LESSEQUAL's
	// missing output store. Default false stores the result.
	CompatQuirks bool
}

func (o Options) validate() error {
	if !o.Stack.valid() {
		return fmt.Errorf("lift: invalid stack option %q", o.Stack)
	}
	return nil
}
