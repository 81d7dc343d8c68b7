package websocket

import "encoding/json"

// NewTestClient builds a Client with no underlying connection, for tests in
// other packages that need to register a fake agent on a Hub.
func NewTestClient(agentID string) *Client {
	return &Client{agentID: agentID, send: make(chan []byte, 16)}
}

// Outbound decodes the next envelope queued for this client, for tests
// asserting on what the Gateway sent.
func (c *Client) Outbound() <-chan Envelope {
	out := make(chan Envelope, 1)
	go func() {
		data := <-c.send
		var env Envelope
		json.Unmarshal(data, &env)
		out <- env
	}()
	return out
}
