package protocol

// Request is one decoded client frame.
type Request struct {
	Type       RequestType
	Credential string  // CONNECT only
	Message    Message // MESSAGE only
}

// ReadRequestType reads a header line and resolves it. The payload is left
// unread so a caller can reject an out-of-order frame before consuming it.
//
// Returns:
//   - The request type, io.EOF at end of stream, a *ViolationError for an
//     unknown header, or the underlying read error
func ReadRequestType(r LineReader) (RequestType, error) {
	header, err := r.ReadLine()
	if err != nil {
		return 0, err
	}

	t, ok := ParseRequestType(header)
	if !ok {
		return 0, violation(header, "unknown request header", nil)
	}

	return t, nil
}

// ReadRequestPayload reads the payload belonging to t.
func ReadRequestPayload(r LineReader, t RequestType) (Request, error) {
	req := Request{Type: t}

	switch t {
	case RequestConnect:
		lines, err := readPayload(r, t.Header(), t.payloadLines())
		if err != nil {
			return Request{}, err
		}
		req.Credential = lines[0]
	case RequestMessage:
		m, err := readMessage(r, t.Header())
		if err != nil {
			return Request{}, err
		}
		req.Message = m
	case RequestLogout:
	default:
		return Request{}, violation(t.String(), "unknown request type", nil)
	}

	return req, nil
}

// ReadRequest reads one complete client frame.
func ReadRequest(r LineReader) (Request, error) {
	t, err := ReadRequestType(r)
	if err != nil {
		return Request{}, err
	}

	return ReadRequestPayload(r, t)
}

// Lines encodes the request for the wire.
func (r Request) Lines() []string {
	switch r.Type {
	case RequestConnect:
		return []string{r.Type.Header(), r.Credential}
	case RequestMessage:
		return append([]string{r.Type.Header()}, r.Message.Lines()...)
	default:
		return []string{r.Type.Header()}
	}
}

// Connect builds a CONNECT request.
func Connect(credential string) Request {
	return Request{Type: RequestConnect, Credential: credential}
}

// Logout builds a LOGOUT request.
func Logout() Request {
	return Request{Type: RequestLogout}
}

// SendMessage builds a MESSAGE request.
func SendMessage(m Message) Request {
	return Request{Type: RequestMessage, Message: m}
}
