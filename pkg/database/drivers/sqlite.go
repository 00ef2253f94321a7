//go:build (netbsd && amd64) || ios || freebsd || darwin || (linux && riscv64) || (linux && ppc64le) || (linux && s390x) || (linux && amd64) || (linux && arm64) || (linux && 386) || android || (openbsd && amd64) || (openbsd && arm64)

package drivers

import (
	// modernc's pure-Go SQLite is the default embedded engine; the build
	// constraint mirrors the platforms it supports.
	_ "modernc.org/sqlite"
)
