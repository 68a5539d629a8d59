// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// Magic starts every frame. It is also used to sniff the protocol of an inbound connection.
const Magic = "RRAC"

// frameHeaderLen is the length of the magic and the length field.
const frameHeaderLen = 8

// DefaultMaxSize limits a frame's size if nothing else was configured.
const DefaultMaxSize uint32 = 12 * 1024 * 1024

// Marshal a Message into a complete frame.
func Marshal(m *Message) ([]byte, error) {
	buff := new(bytes.Buffer)
	buff.Write(make([]byte, frameHeaderLen))

	if err := cboring.Marshal(m, buff); err != nil {
		return nil, rrerr.Wrap(rrerr.Internal, err, "marshalling message failed")
	}

	frame := buff.Bytes()
	if uint64(len(frame)) > 0xffffffff {
		return nil, rrerr.New(rrerr.InvalidArgument, "message exceeds 32 bit frame length")
	}

	copy(frame, Magic)
	binary.LittleEndian.PutUint32(frame[4:frameHeaderLen], uint32(len(frame)))
	return frame, nil
}

// WriteMessage writes a Message as a single frame with one Write call.
func WriteMessage(m *Message, w io.Writer) error {
	frame, err := Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads the next frame and decodes its Message. Frames larger than maxSize are rejected.
func ReadMessage(r io.Reader, maxSize uint32) (*Message, error) {
	header := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	if string(header[:4]) != Magic {
		return nil, rrerr.New(rrerr.Protocol, fmt.Sprintf("invalid frame magic %q", header[:4]))
	}

	size := binary.LittleEndian.Uint32(header[4:])
	if size < frameHeaderLen {
		return nil, rrerr.New(rrerr.Protocol, fmt.Sprintf("frame length %d is too short", size))
	} else if maxSize > 0 && size > maxSize {
		return nil, rrerr.New(rrerr.Protocol, fmt.Sprintf("frame length %d exceeds maximum of %d", size, maxSize))
	}

	body := make([]byte, size-frameHeaderLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	br := bytes.NewReader(body)
	m := new(Message)
	if err := cboring.Unmarshal(m, br); err != nil {
		return nil, rrerr.Wrap(rrerr.Protocol, err, "")
	}
	if br.Len() != 0 {
		return nil, rrerr.New(rrerr.Protocol, fmt.Sprintf("%d trailing bytes after message", br.Len()))
	}

	return m, nil
}
