// SPDX-License-Identifier: GPL-3.0-or-later

package jimmies

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 identifying a session.
//
// Every log event emitted by a [*Session] carries its span ID, so the
// handshake, the record I/O and the close of one session can be correlated.
// Sessions produced by [*Session.Accept] get a fresh span ID.
//
// This function panics if the system random number generator fails.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
