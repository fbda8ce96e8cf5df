// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package portal provides the pieces the authentication façade binds
// to: detection of OS captive-portal probes and the active-session
// predicate. The façade itself (HTML, credential handling) lives
// outside this controller.
package portal

import (
	"strings"

	"grimm.is/gatehouse/internal/ident"
)

// Prober classifies HTTP requests as captive-portal connectivity
// probes. Operating systems fire these before the user opens a
// browser; answering them correctly is what makes the sign-in sheet
// appear.
type Prober struct{}

// probePaths maps well-known probe request paths to the vendor that
// sends them.
var probePaths = map[string]string{
	"/generate_204":        "android",
	"/gen_204":             "android",
	"/hotspot-detect.html": "apple",
	"/library/test/success.html": "apple",
	"/connecttest.txt":     "windows",
	"/ncsi.txt":            "windows",
	"/success.txt":         "firefox",
	"/canonical.html":      "firefox",
}

// probeHosts lists connectivity-check hosts probed regardless of path.
var probeHosts = map[string]string{
	"connectivitycheck.gstatic.com":  "android",
	"clients3.google.com":            "android",
	"connectivity-check.ubuntu.com":  "ubuntu",
	"captive.apple.com":              "apple",
	"www.msftconnecttest.com":        "windows",
	"www.msftncsi.com":               "windows",
	"detectportal.firefox.com":       "firefox",
	"nmcheck.gnome.org":              "gnome",
	"network-test.debian.org":        "debian",
}

// Classify reports whether a request is a connectivity probe and, if
// so, which vendor family it belongs to.
func (Prober) Classify(host, path string) (vendor string, isProbe bool) {
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if v, ok := probeHosts[host]; ok {
		return v, true
	}
	if v, ok := probePaths[strings.ToLower(path)]; ok {
		return v, true
	}
	return "", false
}

// WantsEmptyResponse reports whether the vendor expects 204 No Content
// (rather than a success body) once the client is authenticated.
func (Prober) WantsEmptyResponse(vendor string) bool {
	return vendor == "android"
}

// SuccessBody returns the body an authenticated probe expects.
func (Prober) SuccessBody(vendor string) string {
	switch vendor {
	case "apple":
		return "<HTML><HEAD><TITLE>Success</TITLE></HEAD><BODY>Success</BODY></HTML>"
	case "windows":
		return "Microsoft Connect Test"
	case "firefox":
		return "success\n"
	default:
		return "OK"
	}
}

// SessionChecker is the predicate the façade consults before deciding
// between a success response and a redirect to the sign-in page.
type SessionChecker interface {
	HasActiveSession(mac ident.MAC) (bool, error)
}
