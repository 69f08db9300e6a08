// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package streamhttp

func init() {
	// the race detector slows polling loops down a lot,
	// so tests that drive many requests scale themselves down.
	raceEnabled = true
}
