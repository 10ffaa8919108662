// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package uploader

import "fmt"

// AgentCommunicationError is the only error the transport returns for a
// failed upload: the agent could not be reached or answered with an error
// status.
type AgentCommunicationError struct {
	Endpoint string
	// StatusCode is the HTTP status of the response, or 0 when there was
	// none.
	StatusCode int
	Err        error
}

func (e *AgentCommunicationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to communicate with agent at %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("agent at %s returned status %d", e.Endpoint, e.StatusCode)
}

func (e *AgentCommunicationError) Unwrap() error {
	return e.Err
}
