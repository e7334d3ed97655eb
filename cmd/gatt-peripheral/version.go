package main

import "github.com/blang/semver"

// version is reported by --version and in the startup banner.
var version = semver.MustParse("0.4.0")
