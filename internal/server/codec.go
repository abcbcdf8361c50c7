package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// errMissingField 表示 Enqueue 請求缺少必要欄位
var errMissingField = errors.New("missing field")

// toStruct 透過 JSON 表示把任意型別轉成 structpb.Struct
//
// 數字會變成 float64，超過 2^53 的整數會失去精度
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct 是 toStruct 的反向操作
func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return json.Unmarshal(data, v)
}

// RequestToStruct encodes a request for GetStatus.
func RequestToStruct(req types.Request) (*structpb.Struct, error) {
	return toStruct(req)
}

// StructToRequest decodes a GetStatus response.
func StructToRequest(s *structpb.Struct) (types.Request, error) {
	var req types.Request
	err := fromStruct(s, &req)
	return req, err
}

// NotificationToStruct encodes a Watch message.
func NotificationToStruct(n types.Notification) (*structpb.Struct, error) {
	return toStruct(n)
}

// StructToNotification decodes a Watch message.
func StructToNotification(s *structpb.Struct) (types.Notification, error) {
	var n types.Notification
	err := fromStruct(s, &n)
	return n, err
}

// EnqueueRequest builds the Enqueue message; payload may be nil.
func EnqueueRequest(userKey string, payload json.RawMessage) (*structpb.Struct, error) {
	fields := map[string]*structpb.Value{
		"user_key": structpb.NewStringValue(userKey),
	}
	if len(payload) > 0 {
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("payload is not valid JSON: %w", err)
		}
		pv, err := structpb.NewValue(v)
		if err != nil {
			return nil, err
		}
		fields["payload"] = pv
	}
	return &structpb.Struct{Fields: fields}, nil
}

// parseEnqueue extracts user key and payload from an Enqueue message
func parseEnqueue(in *structpb.Struct) (string, json.RawMessage, error) {
	uk, ok := in.GetFields()["user_key"]
	if !ok {
		return "", nil, fmt.Errorf("%w: user_key", errMissingField)
	}
	if _, isString := uk.GetKind().(*structpb.Value_StringValue); !isString {
		return "", nil, fmt.Errorf("%w: user_key must be a string", errMissingField)
	}

	var payload json.RawMessage
	if pv, ok := in.GetFields()["payload"]; ok {
		data, err := json.Marshal(pv.AsInterface())
		if err != nil {
			return "", nil, fmt.Errorf("encode payload: %w", err)
		}
		payload = data
	}
	return uk.GetStringValue(), payload, nil
}

// EnqueueResult is the decoded Enqueue response.
type EnqueueResult struct {
	ID       types.RequestID `json:"id"`
	Status   types.Status    `json:"status"`
	Position int             `json:"position"`
}

// StructToEnqueueResult decodes an Enqueue response.
func StructToEnqueueResult(s *structpb.Struct) (EnqueueResult, error) {
	var r EnqueueResult
	err := fromStruct(s, &r)
	return r, err
}
