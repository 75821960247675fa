package wire

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Status codes carried by a Response.
const (
	StatusOK            = 200
	StatusAccepted      = 202
	StatusBadRequest    = 400
	StatusHandlerFailed = 500
	StatusUnavailable   = 503
)

// Request is the single structured request of the reliable protocol: an
// opaque payload and the optional explicit recipient it was addressed to.
type Request struct {
	Payload   []byte
	Recipient string
	From      string
}

// Response acknowledges a Request. A Code outside the 2xx range is a
// structured error and Message describes it.
type Response struct {
	Code    int
	Message string
}

func (r *Response) OK() bool {
	return r.Code >= 200 && r.Code < 300
}

var (
	_ Marshaler = (*Request)(nil)
	_ Marshaler = (*Response)(nil)
)

func (r *Request) Marshal() ([]byte, error) {
	return proto.Marshal(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			"payload":   structpb.NewStringValue(string(r.Payload)),
			"recipient": structpb.NewStringValue(r.Recipient),
			"from":      structpb.NewStringValue(r.From),
		},
	})
}

// UnmarshalRequest decodes a Request, a missing payload is a protocol
// violation.
func UnmarshalRequest(buf []byte) (*Request, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(buf, st); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	payload, ok := st.GetFields()["payload"]
	if !ok {
		return nil, fmt.Errorf("%w: request has no payload", ErrMalformed)
	}

	return &Request{
		Payload:   []byte(payload.GetStringValue()),
		Recipient: st.GetFields()["recipient"].GetStringValue(),
		From:      st.GetFields()["from"].GetStringValue(),
	}, nil
}

func (r *Response) Marshal() ([]byte, error) {
	return proto.Marshal(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			"code":    structpb.NewNumberValue(float64(r.Code)),
			"message": structpb.NewStringValue(r.Message),
		},
	})
}

func UnmarshalResponse(buf []byte) (*Response, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(buf, st); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	code, ok := st.GetFields()["code"]
	if !ok {
		return nil, fmt.Errorf("%w: response has no status code", ErrMalformed)
	}

	return &Response{
		Code:    int(code.GetNumberValue()),
		Message: st.GetFields()["message"].GetStringValue(),
	}, nil
}
