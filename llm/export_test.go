package llm

// SetBaseURL redirects API calls to a test server.
func (c *Client) SetBaseURL(u string) { c.baseURL = u }
