// Copyright the cms-calendar-magic authors.
// SPDX-License-Identifier: MIT

// The cms-calendar-magic service.
package main

import "strings"

// Template placeholders. The template file must contain these literally; the
// lowercase callid is a legacy of the original template and is kept for
// compatibility with deployed templates.
const (
	placeholderWebLink    = "{{WEB_LINK}}"
	placeholderSIPAddress = "{{SIP_ADDRESS}}"
	placeholderPIN        = "{{PIN}}"
	placeholderCallID     = "{{callid}}"
)

// renderBody appends the rendered invite template to the existing event body,
// separated by two line breaks. Each placeholder is replaced by the matching
// detail value, or by "-" when the value is absent or blank, so no placeholder
// ever survives into the output. Pure and deterministic: the same inputs
// always produce byte-identical output.
func renderBody(existingBody, template string, details map[string]string) string {
	pick := func(key string) string {
		if v := details[key]; v != "" {
			return v
		}
		return "-"
	}

	rendered := strings.NewReplacer(
		placeholderWebLink, pick("WEB_LINK"),
		placeholderSIPAddress, pick("SIP_ADDRESS"),
		placeholderPIN, pick("PIN"),
		placeholderCallID, pick("CALLID"),
	).Replace(template)

	return existingBody + "<br><br>" + rendered
}
