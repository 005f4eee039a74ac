// Package setup checks that the host can run crate: the client binaries it
// shells out to, the directories it writes, and for the local hypervisor
// backend the bridge domains attach to.
//
// Like other host-level scripts it logs through a package logger rather
// than a logger field.
package setup
