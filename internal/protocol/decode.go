package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeError reports a frame that never reached dispatch.
type DecodeError struct {
	Code   Code
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Reply is the error message sent back to the peer that produced the frame.
func (e *DecodeError) Reply() Error {
	if e.Code == CodeParseError {
		return NewError(CodeParseError, "Failed to parse message")
	}
	return NewError(CodeInvalidFormat, "Invalid message format")
}

func invalid(format string, args ...any) *DecodeError {
	return &DecodeError{Code: CodeInvalidFormat, Reason: fmt.Sprintf(format, args...)}
}

// Decode parses one relay frame. Unknown fields are ignored; everything else
// that does not match a variant exactly is rejected.
func Decode(raw []byte) (Message, error) {
	if !json.Valid(raw) {
		var probe any
		err := json.Unmarshal(raw, &probe)
		return nil, &DecodeError{Code: CodeParseError, Reason: "malformed json", Err: err}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, invalid("message must be a json object")
	}

	typ, err := stringField(fields, "type", true)
	if err != nil {
		return nil, err
	}

	switch Type(typ) {
	case TypeSMS:
		to, err := stringField(fields, "to", true)
		if err != nil {
			return nil, err
		}
		msg, err := stringField(fields, "msg", true)
		if err != nil {
			return nil, err
		}
		if to == "" || msg == "" {
			return nil, invalid("sms requires non-empty to and msg")
		}
		return SMS{To: to, Msg: msg}, nil

	case TypeContacts:
		data, err := contactsField(fields, "data")
		if err != nil {
			return nil, err
		}
		return Contacts{Data: data}, nil

	case TypeGetContacts:
		return GetContacts{}, nil

	case TypeIncomingCall:
		number, err := stringField(fields, "number", true)
		if err != nil {
			return nil, err
		}
		return IncomingCall{Number: number}, nil

	case TypeAck:
		id, err := stringField(fields, "id", false)
		if err != nil {
			return nil, err
		}
		return Ack{ID: id}, nil

	case TypeError:
		message, err := stringField(fields, "message", true)
		if err != nil {
			return nil, err
		}
		code, err := stringField(fields, "code", false)
		if err != nil {
			return nil, err
		}
		return Error{Message: message, Code: Code(code)}, nil

	case TypeIncomingSMS:
		sender, err := stringField(fields, "sender", true)
		if err != nil {
			return nil, err
		}
		message, err := stringField(fields, "message", true)
		if err != nil {
			return nil, err
		}
		ts, err := stringField(fields, "timestamp", true)
		if err != nil {
			return nil, err
		}
		return IncomingSMS{Sender: sender, Message: message, Timestamp: ts}, nil

	default:
		return nil, invalid("unknown message type %q", typ)
	}
}

// stringField extracts a string member. Null is never accepted, even for
// optional members.
func stringField(fields map[string]json.RawMessage, name string, required bool) (string, error) {
	raw, ok := fields[name]
	if !ok {
		if required {
			return "", invalid("missing field %q", name)
		}
		return "", nil
	}
	if isNull(raw) {
		return "", invalid("field %q must not be null", name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &DecodeError{Code: CodeInvalidFormat, Reason: fmt.Sprintf("field %q must be a string", name), Err: err}
	}
	return s, nil
}

func contactsField(fields map[string]json.RawMessage, name string) ([]Contact, error) {
	raw, ok := fields[name]
	if !ok {
		return nil, invalid("missing field %q", name)
	}
	if isNull(raw) {
		return nil, invalid("field %q must not be null", name)
	}
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, &DecodeError{Code: CodeInvalidFormat, Reason: fmt.Sprintf("field %q must be an array of objects", name), Err: err}
	}
	out := make([]Contact, 0, len(entries))
	for i, entry := range entries {
		if entry == nil {
			return nil, invalid("contact %d must be an object", i)
		}
		contactName, err := stringField(entry, "name", true)
		if err != nil {
			return nil, err
		}
		number, err := stringField(entry, "number", true)
		if err != nil {
			return nil, err
		}
		out = append(out, Contact{Name: contactName, Number: number})
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
