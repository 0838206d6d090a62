package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Message is the five-line payload shared by the MESSAGE request and the
// MESSAGE response. The id lines are kept as received so a forwarded frame
// carries them byte-for-byte.
type Message struct {
	From  int
	To    int
	Begin string
	Body  string // base64 text, opaque to the server
	End   string

	fromLine string
	toLine   string
}

// NewMessage builds an outbound message with the standard markers and text
// encoded as standard base64.
//
// Parameters:
//   - from: Sender id
//   - to: Receiver id
//   - text: Plain message text
//
// Returns:
//   - The Message ready to be written with Lines
func NewMessage(from, to int, text string) Message {
	return Message{
		From:  from,
		To:    to,
		Begin: BeginMarker,
		Body:  base64.StdEncoding.EncodeToString([]byte(text)),
		End:   EndMarker,
	}
}

// Lines returns the five payload lines in wire order.
func (m Message) Lines() []string {
	from, to := m.fromLine, m.toLine
	if from == "" {
		from = strconv.Itoa(m.From)
	}
	if to == "" {
		to = strconv.Itoa(m.To)
	}

	return []string{from, to, m.Begin, m.Body, m.End}
}

// Text decodes the base64 body. Only clients call this.
func (m Message) Text() (string, error) {
	b, err := base64.StdEncoding.DecodeString(m.Body)
	if err != nil {
		return "", fmt.Errorf("decode message body: %w", err)
	}

	return string(b), nil
}

func readMessage(r LineReader, header string) (Message, error) {
	lines, err := readPayload(r, header, 5)
	if err != nil {
		return Message{}, err
	}

	from, err := strconv.Atoi(lines[0])
	if err != nil {
		return Message{}, violation(header, "sender id is not an integer", err)
	}

	to, err := strconv.Atoi(lines[1])
	if err != nil {
		return Message{}, violation(header, "receiver id is not an integer", err)
	}

	return Message{
		From:     from,
		To:       to,
		Begin:    lines[2],
		Body:     lines[3],
		End:      lines[4],
		fromLine: lines[0],
		toLine:   lines[1],
	}, nil
}

// readPayload reads exactly n lines. Running out of stream mid-frame is a
// violation; other read errors pass through.
func readPayload(r LineReader, header string, n int) ([]string, error) {
	lines := make([]string, 0, n)
	for len(lines) < n {
		line, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, violation(header, fmt.Sprintf("frame truncated after %d of %d payload lines", len(lines), n), io.ErrUnexpectedEOF)
			}

			return nil, err
		}

		lines = append(lines, line)
	}

	return lines, nil
}
