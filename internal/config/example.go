// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// Example returns a commented example configuration suitable for
// `gatehouse config example`. The output parses back through Load.
func Example() []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	body.SetAttributeValue("schema_version", cty.StringVal(CurrentSchemaVersion))
	body.SetAttributeValue("log_level", cty.StringVal("info"))
	body.SetAttributeValue("state_dir", cty.StringVal("/var/lib/gatehouse"))
	body.AppendNewline()

	ifaces := body.AppendNewBlock("interfaces", nil).Body()
	ifaces.SetAttributeValue("client", cty.StringVal("br-lan"))
	ifaces.SetAttributeValue("upstream", cty.StringVal("eth0"))
	body.AppendNewline()

	network := body.AppendNewBlock("network", nil).Body()
	network.SetAttributeValue("portal_ip", cty.StringVal("192.168.4.1"))
	network.SetAttributeValue("portal_port", cty.NumberIntVal(8080))
	network.SetAttributeValue("subnet", cty.StringVal("192.168.4.0/24"))
	network.SetAttributeValue("gateway_ip", cty.StringVal("192.168.4.1"))
	network.SetAttributeValue("gateway_mac", cty.StringVal("")) // blank: auto-discover
	network.SetAttributeValue("redirect_https", cty.BoolVal(true))
	body.AppendNewline()

	enforcer := body.AppendNewBlock("enforcer", nil).Body()
	enforcer.SetAttributeValue("mode", cty.StringVal(string(ModeSimulation)))
	enforcer.SetAttributeValue("timeout_seconds", cty.NumberIntVal(5))
	body.AppendNewline()

	session := body.AppendNewBlock("session", nil).Body()
	session.SetAttributeValue("default_duration_seconds", cty.NumberIntVal(3600))
	session.SetAttributeValue("max_duration_seconds", cty.NumberIntVal(86400))
	session.SetAttributeValue("auto_block_spoof_count", cty.NumberIntVal(5))
	body.AppendNewline()

	recon := body.AppendNewBlock("reconciliation", nil).Body()
	recon.SetAttributeValue("interval_seconds", cty.NumberIntVal(60))
	recon.SetAttributeValue("grace_seconds", cty.NumberIntVal(5))
	recon.SetAttributeValue("retry_budget", cty.NumberIntVal(3))
	body.AppendNewline()

	audit := body.AppendNewBlock("audit", nil).Body()
	audit.SetAttributeValue("retention_hours", cty.NumberIntVal(168))
	audit.SetAttributeValue("buffer_size", cty.NumberIntVal(1024))
	body.AppendNewline()

	api := body.AppendNewBlock("api", nil).Body()
	api.SetAttributeValue("listen", cty.StringVal("127.0.0.1:8089"))
	api.SetAttributeValue("operator_tokens", cty.ListVal([]cty.Value{
		cty.StringVal("change-me"),
	}))

	return f.Bytes()
}
