// Copyright the cms-calendar-magic authors.
// SPDX-License-Identifier: MIT

// The cms-calendar-magic service.
package main

// HTTP client for the Cisco Meeting Server (CMS) API.
//
// This client handles:
// 1. Paginated listing of the CMS user directory (for roster refresh)
// 2. Personal-room (coSpace) lookup by "{user}.{suffix}" filter
// 3. Namespace-tolerant parsing of coSpace detail records
// 4. Composition of join details (web link, SIP address, call id, PIN)
//
// The resolver half of this client never returns an error to its caller:
// transport and parse failures are logged and collapsed into "no details",
// which the poll loop treats as "nothing to enrich with".

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/rehttp"
)

// defaultPageSize is the CMS user-listing page size. Offsets advance by this
// amount until the accumulated count reaches the total reported by the API.
const defaultPageSize = 20

// pinFallback is substituted when a coSpace has no passcode configured.
const pinFallback = "нет"

// cmsClient talks to the Cisco Meeting Server XML API over basic auth.
type cmsClient struct {
	baseURL  string
	username string
	password string

	roomSuffix string
	webBaseURL string
	sipDomain  string

	pageSize int
	http     *http.Client
}

// newCMSClient builds a CMS client with a retrying transport. Retries cover
// temporary network errors and gateway-class statuses only; CMS calls are all
// reads, so replays are safe.
func newCMSClient(cfg *Config) *cmsClient {
	return &cmsClient{
		baseURL:    cfg.CMSBaseURL,
		username:   cfg.CMSUsername,
		password:   cfg.CMSPassword,
		roomSuffix: cfg.PersonalRoomSuffix,
		webBaseURL: cfg.WebBaseURL,
		sipDomain:  cfg.SIPDomainSuffix,
		pageSize:   defaultPageSize,
		http: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: newRetryingTransport(cfg.CMSTLSInsecure),
		},
	}
}

// newBaseTransport clones the default transport, honoring the explicit
// insecure flag. TLS verification is only disabled when that flag is set;
// main logs a loud warning in that case.
func newBaseTransport(tlsInsecure bool) *http.Transport {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if tlsInsecure {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return base
}

// newRetryingTransport wraps the base transport with bounded retry/backoff.
func newRetryingTransport(tlsInsecure bool) http.RoundTripper {
	return rehttp.NewTransport(
		newBaseTransport(tlsInsecure),
		rehttp.RetryAll(
			rehttp.RetryMaxRetries(3),
			rehttp.RetryAny(
				rehttp.RetryTemporaryErr(),
				rehttp.RetryStatuses(http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout),
			),
		),
		rehttp.ExpJitterDelay(200*time.Millisecond, 2*time.Second),
	)
}

// get issues an authenticated GET against the API and returns the status code
// and raw body. path is appended to the base URL verbatim.
func (c *cmsClient) get(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create CMS request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("CMS request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read CMS response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// cmsUsersResponse models the paginated users listing.
type cmsUsersResponse struct {
	XMLName xml.Name `xml:"users"`
	Total   int      `xml:"total,attr"`
	Users   []struct {
		UserJid string `xml:"userJid"`
	} `xml:"user"`
}

// ListUsers pages through the CMS user directory and returns the user jids.
// Users lacking a userJid are skipped with a warning. A failed page fetch
// ends the listing with an error; already-collected jids are returned so the
// caller can decide whether a partial listing is usable.
func (c *cmsClient) ListUsers(ctx context.Context) ([]string, error) {
	var jids []string
	offset := 0

	for {
		status, body, err := c.get(ctx, fmt.Sprintf("users?offset=%d&limit=%d", offset, c.pageSize))
		if err != nil {
			return jids, err
		}
		if status != http.StatusOK {
			return jids, fmt.Errorf("CMS users listing returned status %d: %s", status, strings.TrimSpace(string(body)))
		}

		var page cmsUsersResponse
		if err := xml.Unmarshal(body, &page); err != nil {
			return jids, fmt.Errorf("failed to parse CMS users listing: %w", err)
		}

		for _, user := range page.Users {
			jid := strings.TrimSpace(user.UserJid)
			if jid == "" {
				logger.WarnContext(ctx, "skipping CMS user without a userJid")
				continue
			}
			jids = append(jids, jid)
		}

		offset += c.pageSize
		if offset >= page.Total || len(page.Users) == 0 {
			return jids, nil
		}
	}
}

// meetingDetails is the resolved join information for one personal room.
// The uppercase fields feed the template placeholders; the raw values are
// kept alongside for logging.
type meetingDetails struct {
	WebLink    string
	SIPAddress string
	CallID     string
	PIN        string

	URI      string
	Passcode string
	Secret   string
}

// placeholderValues returns the flat mapping consumed by the body renderer.
func (d *meetingDetails) placeholderValues() map[string]string {
	return map[string]string{
		"WEB_LINK":    d.WebLink,
		"SIP_ADDRESS": d.SIPAddress,
		"CALLID":      d.CallID,
		"PIN":         d.PIN,
	}
}

// cmsCoSpacesResponse models the filtered coSpace listing.
type cmsCoSpacesResponse struct {
	XMLName  xml.Name `xml:"coSpaces"`
	CoSpaces []struct {
		ID string `xml:"id,attr"`
	} `xml:"coSpace"`
}

// ResolveMeetingDetails looks up the personal room for a user id (the local
// part of the mailbox address) and returns its join details, or nil when no
// usable room exists. This method never returns an error: every failure mode
// is logged and collapsed into nil so one bad lookup cannot abort a cycle.
func (c *cmsClient) ResolveMeetingDetails(ctx context.Context, userID string) *meetingDetails {
	filter := userID + "." + c.roomSuffix

	status, body, err := c.get(ctx, "coSpaces?filter="+url.QueryEscape(filter))
	if err != nil {
		logger.With(errKey, err, "user_id", userID).ErrorContext(ctx, "coSpace lookup failed")
		return nil
	}
	if status != http.StatusOK {
		logger.With("user_id", userID, "status", status).WarnContext(ctx, "failed to get coSpace")
		return nil
	}

	var listing cmsCoSpacesResponse
	if err := xml.Unmarshal(body, &listing); err != nil {
		logger.With(errKey, err, "user_id", userID).ErrorContext(ctx, "failed to parse coSpace listing")
		return nil
	}
	coSpaceID := ""
	for _, coSpace := range listing.CoSpaces {
		if coSpace.ID != "" {
			coSpaceID = coSpace.ID
			break
		}
	}
	if coSpaceID == "" {
		logger.With("user_id", userID, "filter", filter).InfoContext(ctx, "no coSpace found")
		return nil
	}

	status, body, err = c.get(ctx, "coSpaces/"+coSpaceID+"/")
	if err != nil {
		logger.With(errKey, err, "user_id", userID).ErrorContext(ctx, "coSpace detail fetch failed")
		return nil
	}
	if status != http.StatusOK {
		logger.With("user_id", userID, "status", status).WarnContext(ctx, "failed to get meeting details")
		return nil
	}
	logger.With("user_id", userID, "body", string(body)).DebugContext(ctx, "coSpace detail response")

	uri := findXMLValue(body, "uri")
	callID := findXMLValue(body, "callId")
	passcode := findXMLValue(body, "passcode")
	secret := findXMLValue(body, "secret")

	if passcode == "" {
		passcode = pinFallback
	}
	// uri, callId and secret are mandatory; passcode is not.
	if uri == "" || callID == "" || secret == "" {
		logger.With("user_id", userID, "uri", uri, "call_id", callID, "passcode", passcode, "secret", secret).
			WarnContext(ctx, "incomplete coSpace details")
		return nil
	}

	details := &meetingDetails{
		WebLink:    fmt.Sprintf("%smeeting/%s?secret=%s", c.webBaseURL, callID, secret),
		SIPAddress: uri + c.sipDomain,
		CallID:     callID,
		PIN:        passcode,
		URI:        uri,
		Passcode:   passcode,
		Secret:     secret,
	}
	logger.With("user_id", userID, "web_link", details.WebLink, "sip_address", details.SIPAddress,
		"call_id", details.CallID, "pin", details.PIN).InfoContext(ctx, "resolved meeting details")
	return details
}

// findXMLValue returns the character data of the first element in doc whose
// local name equals tag. When no exact match exists anywhere in the document
// it falls back to a tag-suffix match, which tolerates detail fields nested
// under an unknown namespace or prefix scheme.
func findXMLValue(doc []byte, tag string) string {
	if v, ok := scanXML(doc, func(name string) bool { return name == tag }); ok {
		return v
	}
	if v, ok := scanXML(doc, func(name string) bool { return strings.HasSuffix(name, tag) }); ok {
		return v
	}
	return ""
}

// scanXML walks every element of doc and returns the trimmed character data
// of the first element whose local name satisfies match.
func scanXML(doc []byte, match func(string) bool) (string, bool) {
	decoder := xml.NewDecoder(bytes.NewReader(doc))
	depth := 0 // depth inside a matched element, 0 = not matched
	var text strings.Builder

	for {
		token, err := decoder.Token()
		if err != nil {
			return "", false
		}
		switch t := token.(type) {
		case xml.StartElement:
			if depth > 0 {
				depth++
			} else if match(t.Name.Local) {
				depth = 1
				text.Reset()
			}
		case xml.CharData:
			if depth > 0 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth > 0 {
				depth--
				if depth == 0 {
					return strings.TrimSpace(text.String()), true
				}
			}
		}
	}
}
