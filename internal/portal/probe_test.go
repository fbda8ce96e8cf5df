// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package portal

import "testing"

func TestClassifyProbes(t *testing.T) {
	var p Prober
	cases := []struct {
		host, path string
		vendor     string
		probe      bool
	}{
		{"connectivitycheck.gstatic.com", "/generate_204", "android", true},
		{"example.com", "/generate_204", "android", true},
		{"captive.apple.com:80", "/hotspot-detect.html", "apple", true},
		{"www.msftconnecttest.com", "/connecttest.txt", "windows", true},
		{"DetectPortal.Firefox.Com", "/success.txt", "firefox", true},
		{"example.com", "/index.html", "", false},
		{"example.com", "/", "", false},
	}
	for _, c := range cases {
		vendor, ok := p.Classify(c.host, c.path)
		if ok != c.probe || vendor != c.vendor {
			t.Errorf("Classify(%q, %q) = (%q, %t), want (%q, %t)",
				c.host, c.path, vendor, ok, c.vendor, c.probe)
		}
	}
}

func TestProbeResponses(t *testing.T) {
	var p Prober
	if !p.WantsEmptyResponse("android") {
		t.Error("android probes expect 204")
	}
	if p.WantsEmptyResponse("apple") {
		t.Error("apple probes expect a success body")
	}
	if p.SuccessBody("apple") == "" || p.SuccessBody("windows") == "" {
		t.Error("success bodies must be non-empty")
	}
}
