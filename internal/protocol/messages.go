// Package protocol defines the tagged JSON messages exchanged over the relay.
//
// Every message is a JSON object discriminated by its "type" field. The set of
// variants is closed: Message can only be implemented inside this package, and
// Decode rejects any tag it does not know.
package protocol

import (
	"encoding/json"
	"time"
)

// Type is the discriminator carried in the "type" field.
type Type string

const (
	TypeSMS          Type = "sms"
	TypeContacts     Type = "contacts"
	TypeGetContacts  Type = "get_contacts"
	TypeIncomingCall Type = "incoming_call"
	TypeAck          Type = "ack"
	TypeError        Type = "error"
	TypeIncomingSMS  Type = "incoming_sms"
)

// Types lists every variant in declaration order.
var Types = []Type{
	TypeSMS,
	TypeContacts,
	TypeGetContacts,
	TypeIncomingCall,
	TypeAck,
	TypeError,
	TypeIncomingSMS,
}

// Code classifies error messages.
type Code string

const (
	CodeInvalidFormat Code = "INVALID_FORMAT"
	CodeParseError    Code = "PARSE_ERROR"
	CodePhoneOffline  Code = "PHONE_OFFLINE"
	CodeSendFailed    Code = "SEND_FAILED"
	CodeStorageError  Code = "STORAGE_ERROR"
	CodeForbidden     Code = "FORBIDDEN"
)

// Well-known ack ids.
const (
	AckConnected       = "connected"
	AckContactsUpdated = "contacts_updated"
)

// Message is one decoded relay message.
type Message interface {
	Type() Type
	sealed()
}

// Contact is a synced address book entry.
type Contact struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// SMS asks the phone to send a text message.
type SMS struct {
	To  string `json:"to"`
	Msg string `json:"msg"`
}

// Contacts carries a full contact list, either a phone sync or a reply to GetContacts.
type Contacts struct {
	Data []Contact `json:"data"`
}

// GetContacts requests the stored contact list.
type GetContacts struct{}

// IncomingCall notifies desktops of a ringing call.
type IncomingCall struct {
	Number string `json:"number"`
}

// Ack acknowledges a message; ID is optional.
type Ack struct {
	ID string `json:"id,omitempty"`
}

// Error reports a failure back to a peer.
type Error struct {
	Message string `json:"message"`
	Code    Code   `json:"code,omitempty"`
}

// IncomingSMS forwards a received text message to desktops.
type IncomingSMS struct {
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (SMS) Type() Type          { return TypeSMS }
func (Contacts) Type() Type     { return TypeContacts }
func (GetContacts) Type() Type  { return TypeGetContacts }
func (IncomingCall) Type() Type { return TypeIncomingCall }
func (Ack) Type() Type          { return TypeAck }
func (Error) Type() Type        { return TypeError }
func (IncomingSMS) Type() Type  { return TypeIncomingSMS }

func (SMS) sealed()          {}
func (Contacts) sealed()     {}
func (GetContacts) sealed()  {}
func (IncomingCall) sealed() {}
func (Ack) sealed()          {}
func (Error) sealed()        {}
func (IncomingSMS) sealed()  {}

// NewAck builds an ack with an optional id.
func NewAck(id string) Ack { return Ack{ID: id} }

// NewError builds an error message.
func NewError(code Code, message string) Error { return Error{Message: message, Code: code} }

// NewIncomingSMS stamps a received SMS with an ISO-8601 UTC timestamp.
func NewIncomingSMS(sender, message string, at time.Time) IncomingSMS {
	return IncomingSMS{
		Sender:    sender,
		Message:   message,
		Timestamp: FormatTime(at),
	}
}

// FormatTime renders t the way every timestamp on the wire is rendered.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Encode serializes a message with its type tag.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func (m SMS) MarshalJSON() ([]byte, error) {
	type plain SMS
	return json.Marshal(struct {
		Type Type `json:"type"`
		plain
	}{TypeSMS, plain(m)})
}

func (m Contacts) MarshalJSON() ([]byte, error) {
	type plain Contacts
	if m.Data == nil {
		m.Data = []Contact{}
	}
	return json.Marshal(struct {
		Type Type `json:"type"`
		plain
	}{TypeContacts, plain(m)})
}

func (GetContacts) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type Type `json:"type"`
	}{TypeGetContacts})
}

func (m IncomingCall) MarshalJSON() ([]byte, error) {
	type plain IncomingCall
	return json.Marshal(struct {
		Type Type `json:"type"`
		plain
	}{TypeIncomingCall, plain(m)})
}

func (m Ack) MarshalJSON() ([]byte, error) {
	type plain Ack
	return json.Marshal(struct {
		Type Type `json:"type"`
		plain
	}{TypeAck, plain(m)})
}

func (m Error) MarshalJSON() ([]byte, error) {
	type plain Error
	return json.Marshal(struct {
		Type Type `json:"type"`
		plain
	}{TypeError, plain(m)})
}

func (m IncomingSMS) MarshalJSON() ([]byte, error) {
	type plain IncomingSMS
	return json.Marshal(struct {
		Type Type `json:"type"`
		plain
	}{TypeIncomingSMS, plain(m)})
}
