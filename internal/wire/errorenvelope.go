package wire

// Field IDs for the error_response payload.
const (
	fieldErrCode        uint16 = 1
	fieldErrMessage     uint16 = 2
	fieldErrRequestType uint16 = 3
)

// Error codes carried by synthesized error responses.
const (
	ErrCodeNoHandler     uint32 = 1
	ErrCodeDecodeFailed  uint32 = 2
	ErrCodeHandlerFailed uint32 = 3
	ErrCodeNotConfigured uint32 = 4
)

// WireError is the payload of an error_response envelope: a best-effort
// reply synthesized when a request could not be dispatched or handled.
type WireError struct {
	Code        uint32
	Message     string
	RequestType string
}

// EncodeErrorEnvelope builds the error reply correlated to id.
func EncodeErrorEnvelope(id uint64, we WireError) Envelope {
	fields := []Field{
		NewFieldUint32(fieldErrCode, we.Code),
		NewFieldString(fieldErrMessage, we.Message),
	}
	if we.RequestType != "" {
		fields = append(fields, NewFieldString(fieldErrRequestType, we.RequestType))
	}
	return Envelope{ID: id, Type: ErrorResponseType, Payload: EncodeFields(fields)}
}

// DecodeErrorPayload parses an error_response payload.
func DecodeErrorPayload(payload []byte) (WireError, error) {
	fields, err := DecodeFields(payload)
	if err != nil {
		return WireError{}, err
	}
	codeField, err := RequireField(fields, fieldErrCode, FieldUint32)
	if err != nil {
		return WireError{}, err
	}
	code, err := codeField.Uint32()
	if err != nil {
		return WireError{}, err
	}
	msgField, err := RequireField(fields, fieldErrMessage, FieldString)
	if err != nil {
		return WireError{}, err
	}
	msg, _ := msgField.String()

	we := WireError{Code: code, Message: msg}
	if f, ok := GetField(fields, fieldErrRequestType); ok && f.Type == FieldString {
		we.RequestType, _ = f.String()
	}
	return we, nil
}
