// Copyright the cms-calendar-magic authors.
// SPDX-License-Identifier: MIT

// The cms-calendar-magic service.
package main

// SOAP client for Exchange Web Services (EWS).
//
// This client handles:
// 1. Impersonated access to any monitored mailbox via the ExchangeImpersonation
//    SOAP header (one service account, per-request ConnectingSID)
// 2. FindItem over the calendar folder: up to MaxEvents soonest-starting
//    future events, sorted by start descending
// 3. GetItem for the HTML body of a matched event
// 4. UpdateItem with SendToAllAndSaveCopy, which persists the new body and
//    re-sends invitations to all attendees
//
// Error classification matters here: the ErrorNonExistentMailbox response
// code (or a "no mailbox" fault message) marks a mailbox permanently failed
// for this process run; everything else is transient and retried next cycle.

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	ewsPath       = "/EWS/Exchange.asmx"
	ewsTimeFormat = "2006-01-02T15:04:05Z"
)

// mailboxNotFoundError is the permanent "no mailbox associated" failure
// class. The poll loop excludes the mailbox for the rest of the process run
// when it sees this.
type mailboxNotFoundError struct {
	mailbox string
	code    string
	message string
}

func (e *mailboxNotFoundError) Error() string {
	return fmt.Sprintf("no mailbox for %s: %s (%s)", e.mailbox, e.message, e.code)
}

// isMailboxNotFound reports whether err (anywhere in its chain) is the
// permanent mailbox failure class.
func isMailboxNotFound(err error) bool {
	var notFound *mailboxNotFoundError
	return errors.As(err, &notFound)
}

// isNoMailboxCode classifies an EWS response code and message text. The code
// is authoritative; the message substring is a fallback for proxies that
// rewrite fault bodies.
func isNoMailboxCode(code, message string) bool {
	return code == "ErrorNonExistentMailbox" ||
		strings.Contains(strings.ToLower(message), "no mailbox")
}

// ewsClient talks to Exchange Web Services with a fixed impersonation account.
type ewsClient struct {
	endpoint string
	username string
	password string

	// Reads go through the retrying client; writes use a plain client
	// because UpdateItem re-sends invitations and must not be replayed.
	readHTTP  *http.Client
	writeHTTP *http.Client
}

func newEWSClient(cfg *Config) *ewsClient {
	return &ewsClient{
		endpoint: strings.TrimRight(cfg.EWSServer, "/") + ewsPath,
		username: cfg.EWSUsername,
		password: cfg.EWSPassword,
		readHTTP: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: newRetryingTransport(cfg.CMSTLSInsecure),
		},
		writeHTTP: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: newBaseTransport(cfg.CMSTLSInsecure),
		},
	}
}

// soapEnvelopeFormat wraps an operation body with the version header and the
// impersonation header for the target mailbox.
const soapEnvelopeFormat = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
               xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types"
               xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
  <soap:Header>
    <t:RequestServerVersion Version="Exchange2013_SP1"/>
    <t:ExchangeImpersonation>
      <t:ConnectingSID>
        <t:PrimarySmtpAddress>%s</t:PrimarySmtpAddress>
      </t:ConnectingSID>
    </t:ExchangeImpersonation>
  </soap:Header>
  <soap:Body>
%s
  </soap:Body>
</soap:Envelope>`

// call posts a SOAP operation impersonating the given mailbox and returns the
// raw response envelope. Non-2xx responses are still returned when a body is
// present, because EWS delivers SOAP faults with a 500 status.
func (c *ewsClient) call(ctx context.Context, client *http.Client, mailbox, operation string) ([]byte, error) {
	envelope := fmt.Sprintf(soapEnvelopeFormat, xmlEscape(mailbox), operation)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("failed to create EWS request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("EWS request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read EWS response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		return nil, fmt.Errorf("EWS returned status %d", resp.StatusCode)
	}
	return body, nil
}

// soapFault carries the fault detail EWS attaches to 500-class responses.
type soapFault struct {
	FaultString  string `xml:"faultstring"`
	ResponseCode string `xml:"detail>ResponseCode"`
}

// ewsItemID is the id/change-key pair identifying one calendar item revision.
type ewsItemID struct {
	ID        string `xml:"Id,attr"`
	ChangeKey string `xml:"ChangeKey,attr"`
}

// ewsCalendarItem models the CalendarItem fields this service reads.
type ewsCalendarItem struct {
	ItemID          ewsItemID `xml:"ItemId"`
	Subject         string    `xml:"Subject"`
	Start           string    `xml:"Start"`
	Location        string    `xml:"Location"`
	DateTimeCreated string    `xml:"DateTimeCreated"`
	Organizer       struct {
		EmailAddress string `xml:"Mailbox>EmailAddress"`
	} `xml:"Organizer"`
	Body struct {
		BodyType string `xml:"BodyType,attr"`
		Text     string `xml:",chardata"`
	} `xml:"Body"`
}

// toEvent converts the wire representation, tolerating unparseable
// timestamps by leaving them zero (the match predicate then rejects the
// event rather than the whole mailbox failing).
func (item *ewsCalendarItem) toEvent() calendarEvent {
	ev := calendarEvent{
		ID:        item.ItemID.ID,
		ChangeKey: item.ItemID.ChangeKey,
		Subject:   item.Subject,
		Location:  item.Location,
		Organizer: item.Organizer.EmailAddress,
	}
	if t, err := time.Parse(time.RFC3339, item.Start); err == nil {
		ev.Start = t
	}
	if t, err := time.Parse(time.RFC3339, item.DateTimeCreated); err == nil {
		ev.Created = t
	}
	return ev
}

// findItemEnvelope models a FindItem response, including the fault path.
type findItemEnvelope struct {
	XMLName  xml.Name   `xml:"Envelope"`
	Fault    *soapFault `xml:"Body>Fault"`
	Messages []struct {
		ResponseClass string            `xml:"ResponseClass,attr"`
		ResponseCode  string            `xml:"ResponseCode"`
		MessageText   string            `xml:"MessageText"`
		Items         []ewsCalendarItem `xml:"RootFolder>Items>CalendarItem"`
	} `xml:"Body>FindItemResponse>ResponseMessages>FindItemResponseMessage"`
}

const findItemFormat = `    <m:FindItem Traversal="Shallow">
      <m:ItemShape>
        <t:BaseShape>IdOnly</t:BaseShape>
        <t:AdditionalProperties>
          <t:FieldURI FieldURI="item:Subject"/>
          <t:FieldURI FieldURI="item:DateTimeCreated"/>
          <t:FieldURI FieldURI="calendar:Start"/>
          <t:FieldURI FieldURI="calendar:Location"/>
          <t:FieldURI FieldURI="calendar:Organizer"/>
        </t:AdditionalProperties>
      </m:ItemShape>
      <m:IndexedPageItemView MaxEntriesReturned="%d" Offset="0" BasePoint="Beginning"/>
      <m:Restriction>
        <t:IsGreaterThan>
          <t:FieldURI FieldURI="calendar:Start"/>
          <t:FieldURIOrConstant>
            <t:Constant Value="%s"/>
          </t:FieldURIOrConstant>
        </t:IsGreaterThan>
      </m:Restriction>
      <m:SortOrder>
        <t:FieldOrder Order="Descending">
          <t:FieldURI FieldURI="calendar:Start"/>
        </t:FieldOrder>
      </m:SortOrder>
      <m:ParentFolderIds>
        <t:DistinguishedFolderId Id="calendar">
          <t:Mailbox>
            <t:EmailAddress>%s</t:EmailAddress>
          </t:Mailbox>
        </t:DistinguishedFolderId>
      </m:ParentFolderIds>
    </m:FindItem>`

// FindUpcomingEvents fetches up to max calendar events of the mailbox whose
// start time is strictly after now, ordered by start descending.
func (c *ewsClient) FindUpcomingEvents(ctx context.Context, mailbox string, now time.Time, max int) ([]calendarEvent, error) {
	operation := fmt.Sprintf(findItemFormat, max, now.UTC().Format(ewsTimeFormat), xmlEscape(mailbox))

	body, err := c.call(ctx, c.readHTTP, mailbox, operation)
	if err != nil {
		return nil, err
	}

	var envelope findItemEnvelope
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse FindItem response: %w", err)
	}
	if err := classifyFault(mailbox, envelope.Fault); err != nil {
		return nil, err
	}
	if len(envelope.Messages) == 0 {
		return nil, fmt.Errorf("FindItem response for %s contained no response messages", mailbox)
	}

	var events []calendarEvent
	for _, msg := range envelope.Messages {
		if msg.ResponseClass != "Success" {
			return nil, classifyResponseError(mailbox, "FindItem", msg.ResponseCode, msg.MessageText)
		}
		for i := range msg.Items {
			events = append(events, msg.Items[i].toEvent())
		}
	}
	return events, nil
}

// getItemEnvelope models a GetItem response.
type getItemEnvelope struct {
	XMLName  xml.Name   `xml:"Envelope"`
	Fault    *soapFault `xml:"Body>Fault"`
	Messages []struct {
		ResponseClass string            `xml:"ResponseClass,attr"`
		ResponseCode  string            `xml:"ResponseCode"`
		MessageText   string            `xml:"MessageText"`
		Items         []ewsCalendarItem `xml:"Items>CalendarItem"`
	} `xml:"Body>GetItemResponse>ResponseMessages>GetItemResponseMessage"`
}

const getItemFormat = `    <m:GetItem>
      <m:ItemShape>
        <t:BaseShape>IdOnly</t:BaseShape>
        <t:BodyType>HTML</t:BodyType>
        <t:AdditionalProperties>
          <t:FieldURI FieldURI="item:Body"/>
        </t:AdditionalProperties>
      </m:ItemShape>
      <m:ItemIds>
        <t:ItemId Id="%s" ChangeKey="%s"/>
      </m:ItemIds>
    </m:GetItem>`

// GetEventBody fetches the HTML body of one event and the current change key
// (a stale change key would make the subsequent UpdateItem fail).
func (c *ewsClient) GetEventBody(ctx context.Context, mailbox, itemID, changeKey string) (string, string, error) {
	operation := fmt.Sprintf(getItemFormat, xmlEscape(itemID), xmlEscape(changeKey))

	body, err := c.call(ctx, c.readHTTP, mailbox, operation)
	if err != nil {
		return "", "", err
	}

	var envelope getItemEnvelope
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return "", "", fmt.Errorf("failed to parse GetItem response: %w", err)
	}
	if err := classifyFault(mailbox, envelope.Fault); err != nil {
		return "", "", err
	}
	for _, msg := range envelope.Messages {
		if msg.ResponseClass != "Success" {
			return "", "", classifyResponseError(mailbox, "GetItem", msg.ResponseCode, msg.MessageText)
		}
		for _, item := range msg.Items {
			return item.Body.Text, item.ItemID.ChangeKey, nil
		}
	}
	return "", "", fmt.Errorf("GetItem response for %s contained no items", mailbox)
}

// updateItemEnvelope models an UpdateItem response.
type updateItemEnvelope struct {
	XMLName  xml.Name   `xml:"Envelope"`
	Fault    *soapFault `xml:"Body>Fault"`
	Messages []struct {
		ResponseClass string `xml:"ResponseClass,attr"`
		ResponseCode  string `xml:"ResponseCode"`
		MessageText   string `xml:"MessageText"`
	} `xml:"Body>UpdateItemResponse>ResponseMessages>UpdateItemResponseMessage"`
}

const updateItemFormat = `    <m:UpdateItem MessageDisposition="SaveOnly" ConflictResolution="AlwaysOverwrite" SendMeetingInvitationsOrCancellations="SendToAllAndSaveCopy">
      <m:ItemChanges>
        <t:ItemChange>
          <t:ItemId Id="%s" ChangeKey="%s"/>
          <t:Updates>
            <t:SetItemField>
              <t:FieldURI FieldURI="item:Body"/>
              <t:CalendarItem>
                <t:Body BodyType="HTML">%s</t:Body>
              </t:CalendarItem>
            </t:SetItemField>
          </t:Updates>
        </t:ItemChange>
      </m:ItemChanges>
    </m:UpdateItem>`

// UpdateEventBody replaces the event body and saves with SendToAllAndSaveCopy,
// which re-sends invitations to every attendee and keeps a copy for the
// organizer. Goes through the non-retrying client so a flaky response can
// never double-notify attendees.
func (c *ewsClient) UpdateEventBody(ctx context.Context, mailbox, itemID, changeKey, htmlBody string) error {
	operation := fmt.Sprintf(updateItemFormat, xmlEscape(itemID), xmlEscape(changeKey), xmlEscape(htmlBody))

	body, err := c.call(ctx, c.writeHTTP, mailbox, operation)
	if err != nil {
		return err
	}

	var envelope updateItemEnvelope
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to parse UpdateItem response: %w", err)
	}
	if err := classifyFault(mailbox, envelope.Fault); err != nil {
		return err
	}
	if len(envelope.Messages) == 0 {
		return fmt.Errorf("UpdateItem response for %s contained no response messages", mailbox)
	}
	for _, msg := range envelope.Messages {
		if msg.ResponseClass != "Success" {
			return classifyResponseError(mailbox, "UpdateItem", msg.ResponseCode, msg.MessageText)
		}
	}
	return nil
}

// classifyFault converts a SOAP fault into the typed error taxonomy.
func classifyFault(mailbox string, fault *soapFault) error {
	if fault == nil {
		return nil
	}
	if isNoMailboxCode(fault.ResponseCode, fault.FaultString) {
		return &mailboxNotFoundError{mailbox: mailbox, code: fault.ResponseCode, message: fault.FaultString}
	}
	return fmt.Errorf("EWS fault: %s (%s)", fault.FaultString, fault.ResponseCode)
}

// classifyResponseError converts a non-success response message into the
// typed error taxonomy.
func classifyResponseError(mailbox, operation, code, message string) error {
	if isNoMailboxCode(code, message) {
		return &mailboxNotFoundError{mailbox: mailbox, code: code, message: message}
	}
	return fmt.Errorf("EWS %s failed: %s (%s)", operation, message, code)
}

// xmlEscape escapes a value for embedding in a SOAP envelope.
func xmlEscape(s string) string {
	var b strings.Builder
	// EscapeText only fails on a failing writer; strings.Builder never fails.
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
