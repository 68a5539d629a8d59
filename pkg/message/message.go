// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package message contains the messages exchanged over a transport connection and their framing.
//
// A frame starts with the ASCII magic "RRAC", followed by the frame's total length as an unsigned 32 bit little
// endian integer and the CBOR encoded Message. The content of application entries is opaque for the transport.
package message

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// EntryType classifies an Entry.
type EntryType uint16

const (
	// StreamOp is a control-plane request, e.g., STARTTLS or CreateConnection.
	StreamOp EntryType = 1
	// StreamOpRet is the reply to a StreamOp.
	StreamOpRet EntryType = 2

	// ApplicationBase is the first EntryType owned by the application.
	ApplicationBase EntryType = 100
)

func (t EntryType) String() string {
	switch t {
	case StreamOp:
		return "StreamOp"
	case StreamOpRet:
		return "StreamOpRet"
	default:
		return fmt.Sprintf("EntryType(%d)", uint16(t))
	}
}

// maxArrayLength bounds decoded entry and element counts.
const maxArrayLength = 1 << 16

// Element names used by control-plane entries.
const (
	ElementErrorName   = "errorname"
	ElementErrorString = "errorstring"
)

// Header addresses a Message.
type Header struct {
	SenderNodeID     nodeid.NodeID
	ReceiverNodeID   nodeid.NodeID
	SenderNodeName   string
	ReceiverNodeName string
	SenderEndpoint   uint32
	ReceiverEndpoint uint32
}

// Element is a named value of an Entry.
type Element struct {
	Name string
	Data []byte
}

// Entry is a single operation within a Message.
type Entry struct {
	Type       EntryType
	MemberName string
	RequestID  uint32
	Elements   []Element
}

// Message is the unit of exchange. A Message without Entries is a heartbeat.
type Message struct {
	Header  Header
	Entries []Entry
}

// NewStreamOp creates a Message carrying a single StreamOp Entry.
func NewStreamOp(member string) *Message {
	return &Message{Entries: []Entry{{Type: StreamOp, MemberName: member}}}
}

// NewStreamOpRet creates a Message carrying a single StreamOpRet Entry.
func NewStreamOpRet(member string) *Message {
	return &Message{Entries: []Entry{{Type: StreamOpRet, MemberName: member}}}
}

// IsHeartbeat checks if this Message has no Entries.
func (m *Message) IsHeartbeat() bool {
	return len(m.Entries) == 0
}

// IsStreamOp checks if this Message carries only control-plane Entries.
func (m *Message) IsStreamOp() bool {
	if len(m.Entries) == 0 {
		return false
	}
	for _, e := range m.Entries {
		if e.Type != StreamOp && e.Type != StreamOpRet {
			return false
		}
	}
	return true
}

// First Entry of this Message. Panics for heartbeats.
func (m *Message) First() *Entry {
	return &m.Entries[0]
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(%v:%d -> %v:%d, entries=%d)",
		m.Header.SenderNodeID, m.Header.SenderEndpoint,
		m.Header.ReceiverNodeID, m.Header.ReceiverEndpoint,
		len(m.Entries))
}

// AddElement appends a raw Element.
func (e *Entry) AddElement(name string, data []byte) {
	e.Elements = append(e.Elements, Element{Name: name, Data: data})
}

// AddString appends a string Element.
func (e *Entry) AddString(name, value string) {
	e.AddElement(name, []byte(value))
}

// Element looks up an Element by its name.
func (e *Entry) Element(name string) (Element, bool) {
	for _, elem := range e.Elements {
		if elem.Name == name {
			return elem, true
		}
	}
	return Element{}, false
}

// StringElement looks up a string Element by its name.
func (e *Entry) StringElement(name string) (string, bool) {
	elem, ok := e.Element(name)
	return string(elem.Data), ok
}

// SetError attaches an error as "errorname" and "errorstring" Elements.
func (e *Entry) SetError(err *rrerr.Error) {
	e.AddString(ElementErrorName, err.Kind.Name())
	e.AddString(ElementErrorString, err.Message)
}

// Err returns the error carried by this Entry, or nil.
func (e *Entry) Err() error {
	name, ok := e.StringElement(ElementErrorName)
	if !ok {
		return nil
	}
	msg, _ := e.StringElement(ElementErrorString)
	return rrerr.FromName(name, msg)
}

// MarshalCbor creates a CBOR representation for a Header.
func (h *Header) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(6, w); err != nil {
		return err
	}

	for _, id := range []nodeid.NodeID{h.SenderNodeID, h.ReceiverNodeID} {
		if err := cboring.WriteByteString(id.Bytes(), w); err != nil {
			return err
		}
	}
	for _, name := range []string{h.SenderNodeName, h.ReceiverNodeName} {
		if err := cboring.WriteTextString(name, w); err != nil {
			return err
		}
	}
	for _, ep := range []uint32{h.SenderEndpoint, h.ReceiverEndpoint} {
		if err := cboring.WriteUInt(uint64(ep), w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor creates a Header from its CBOR representation.
func (h *Header) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 6 {
		return fmt.Errorf("wrong header array length: %d instead of 6", l)
	}

	for _, id := range []*nodeid.NodeID{&h.SenderNodeID, &h.ReceiverNodeID} {
		b, err := cboring.ReadByteString(r)
		if err != nil {
			return err
		}
		if *id, err = nodeid.FromBytes(b); err != nil {
			return err
		}
	}
	for _, name := range []*string{&h.SenderNodeName, &h.ReceiverNodeName} {
		s, err := cboring.ReadTextString(r)
		if err != nil {
			return err
		}
		*name = s
	}
	for _, ep := range []*uint32{&h.SenderEndpoint, &h.ReceiverEndpoint} {
		n, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		} else if n > 0xffffffff {
			return fmt.Errorf("endpoint %d exceeds 32 bit", n)
		}
		*ep = uint32(n)
	}

	return nil
}

// MarshalCbor creates a CBOR representation for an Element.
func (elem *Element) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(elem.Name, w); err != nil {
		return err
	}
	return cboring.WriteByteString(elem.Data, w)
}

// UnmarshalCbor creates an Element from its CBOR representation.
func (elem *Element) UnmarshalCbor(r io.Reader) (err error) {
	if l, lErr := cboring.ReadArrayLength(r); lErr != nil {
		return lErr
	} else if l != 2 {
		return fmt.Errorf("wrong element array length: %d instead of 2", l)
	}

	if elem.Name, err = cboring.ReadTextString(r); err != nil {
		return
	}
	elem.Data, err = cboring.ReadByteString(r)
	return
}

// MarshalCbor creates a CBOR representation for an Entry.
func (e *Entry) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(4, w); err != nil {
		return err
	}

	if err := cboring.WriteUInt(uint64(e.Type), w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(e.MemberName, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(e.RequestID), w); err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(uint64(len(e.Elements)), w); err != nil {
		return err
	}
	for i := range e.Elements {
		if err := cboring.Marshal(&e.Elements[i], w); err != nil {
			return fmt.Errorf("marshalling element %d failed: %v", i, err)
		}
	}

	return nil
}

// UnmarshalCbor creates an Entry from its CBOR representation.
func (e *Entry) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 4 {
		return fmt.Errorf("wrong entry array length: %d instead of 4", l)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if n > 0xffff {
		return fmt.Errorf("entry type %d exceeds 16 bit", n)
	} else {
		e.Type = EntryType(n)
	}

	if s, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		e.MemberName = s
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		e.RequestID = uint32(n)
	}

	l, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if l > maxArrayLength {
		return fmt.Errorf("entry has too many elements: %d", l)
	}
	e.Elements = make([]Element, l)
	for i := range e.Elements {
		if err := cboring.Unmarshal(&e.Elements[i], r); err != nil {
			return fmt.Errorf("unmarshalling element %d failed: %v", i, err)
		}
	}

	return nil
}

// MarshalCbor creates a CBOR representation for a Message.
func (m *Message) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	if err := cboring.Marshal(&m.Header, w); err != nil {
		return fmt.Errorf("marshalling header failed: %v", err)
	}

	if err := cboring.WriteArrayLength(uint64(len(m.Entries)), w); err != nil {
		return err
	}
	for i := range m.Entries {
		if err := cboring.Marshal(&m.Entries[i], w); err != nil {
			return fmt.Errorf("marshalling entry %d failed: %v", i, err)
		}
	}

	return nil
}

// UnmarshalCbor creates a Message from its CBOR representation.
func (m *Message) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("wrong message array length: %d instead of 2", l)
	}

	if err := cboring.Unmarshal(&m.Header, r); err != nil {
		return fmt.Errorf("unmarshalling header failed: %v", err)
	}

	l, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if l > maxArrayLength {
		return fmt.Errorf("message has too many entries: %d", l)
	}
	m.Entries = make([]Entry, l)
	for i := range m.Entries {
		if err := cboring.Unmarshal(&m.Entries[i], r); err != nil {
			return fmt.Errorf("unmarshalling entry %d failed: %v", i, err)
		}
	}

	return nil
}
