package protocol

import "strconv"

// Response is one decoded server frame. Which fields are set depends on Type.
type Response struct {
	Type     ResponseType
	ID       int        // CONNECTION_SUCCESS, USER_CONNECTED
	Username string     // USER_CONNECTED
	Reason   FailReason // CONNECTION_FAILED
	Message  Message    // MESSAGE
}

// ConnectionSuccess encodes the reply to an accepted CONNECT.
func ConnectionSuccess(id int) []string {
	return []string{ResponseConnectionSuccess.Header(), strconv.Itoa(id)}
}

// ConnectionFailed encodes the reply to a rejected CONNECT.
func ConnectionFailed(reason FailReason) []string {
	return []string{ResponseConnectionFailed.Header(), string(reason)}
}

// UserConnected encodes a presence notification.
func UserConnected(id int, username string) []string {
	return []string{ResponseUserConnected.Header(), strconv.Itoa(id), username}
}

// ForwardMessage encodes m as a server MESSAGE frame, reusing the inbound
// payload lines unchanged.
func ForwardMessage(m Message) []string {
	return append([]string{ResponseMessage.Header()}, m.Lines()...)
}

// ReadResponse reads one complete server frame.
func ReadResponse(r LineReader) (Response, error) {
	header, err := r.ReadLine()
	if err != nil {
		return Response{}, err
	}

	t, ok := ParseResponseType(header)
	if !ok {
		return Response{}, violation(header, "unknown response header", nil)
	}

	resp := Response{Type: t}
	switch t {
	case ResponseConnectionSuccess:
		lines, err := readPayload(r, header, 1)
		if err != nil {
			return Response{}, err
		}
		if resp.ID, err = strconv.Atoi(lines[0]); err != nil {
			return Response{}, violation(header, "assigned id is not an integer", err)
		}
	case ResponseConnectionFailed:
		lines, err := readPayload(r, header, 1)
		if err != nil {
			return Response{}, err
		}
		resp.Reason = FailReason(lines[0])
	case ResponseMessage:
		if resp.Message, err = readMessage(r, header); err != nil {
			return Response{}, err
		}
	case ResponseUserConnected:
		lines, err := readPayload(r, header, 2)
		if err != nil {
			return Response{}, err
		}
		if resp.ID, err = strconv.Atoi(lines[0]); err != nil {
			return Response{}, violation(header, "user id is not an integer", err)
		}
		resp.Username = lines[1]
	}

	return resp, nil
}
