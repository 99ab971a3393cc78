// Copyright 2024 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package v1

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMalformed is returned by Decode when a datagram isn't valid
	// JSON or is missing a required field.
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownRequest is returned by Decode for request types that
	// this version doesn't understand.
	ErrUnknownRequest = errors.New("unknown request type")
)

var validate = validator.New()

// Encode wraps msg in an Envelope and marshals it. The message is
// validated first so that we never put something on the wire that our
// peers would reject.
func Encode(msg Message) ([]byte, error) {
	if err := validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, msg.RequestType(), err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Request: msg.RequestType(), Data: data})
}

// Decode parses a datagram into one of the Message types. Every
// required field must be present; a message that fails validation is
// rejected as a whole.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := newMessage(env.Request)
	if msg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequest, env.Request)
	}
	if err := json.Unmarshal(env.Data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Request, err)
	}
	if err := validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Request, err)
	}
	return msg, nil
}

func newMessage(request string) Message {
	switch request {
	case RequestMachineInfo:
		return &MachineInfo{}
	case RequestMachineExit:
		return &MachineExit{}
	case RequestNetworkCreate:
		return &NetworkCreate{}
	case RequestNetworkDelete:
		return &NetworkDelete{}
	case RequestNetworkQuery:
		return &NetworkQuery{}
	case RequestNetworkList:
		return &NetworkList{}
	case RequestNetworkMove:
		return &NetworkMove{}
	case RequestNetworkMoveAck:
		return &NetworkMoveAck{}
	case RequestNetworkJoin:
		return &NetworkJoin{}
	case RequestNetworkLeave:
		return &NetworkLeave{}
	}
	return nil
}
