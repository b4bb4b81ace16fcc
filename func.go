// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import "context"

// Func is a single-step operation from A to B.
//
// Steps chain with [Compose2] and [Compose3] so that, for example, a dial
// step, a [*CancelWatchFunc] and a [*WrapSocketFunc] form one pipeline
// from an address to a [*Session].
//
// A Func that receives a closeable input and fails closes the input before
// returning, so a failing pipeline does not leak connections.
type Func[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}

// FuncAdapter turns a function into a [Func].
type FuncAdapter[A, B any] func(ctx context.Context, input A) (B, error)

// Call implements [Func].
func (f FuncAdapter[A, B]) Call(ctx context.Context, input A) (B, error) {
	return f(ctx, input)
}

// Unit is the input of a [Func] that needs none.
type Unit struct{}
