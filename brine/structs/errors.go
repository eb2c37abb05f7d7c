// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "errors"

var (
	// ErrDecode covers malformed envelopes and inner loads. The sender only
	// ever sees the opaque BadLoadReply literal; the detail stays in the logs.
	ErrDecode = errors.New("malformed payload")

	// ErrUnknownCommand is returned by the handler registry for commands that
	// no handler was registered for.
	ErrUnknownCommand = errors.New("unknown command")
)
