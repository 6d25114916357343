// Package transport provides an http.RoundTripper that authenticates
// outgoing requests with the current session's access token.
//
// For each request the transport:
//
//  1. refreshes the session first when its access token is known to be expired,
//  2. sets "Authorization: Bearer <token>" unless the caller set its own header,
//  3. on a 401 response, refreshes the session and resends the request once
//     with the new token.
//
// Concurrent requests that hit a 401 together share one refresh. A request is
// never resent more than once; a second 401 ends the session. Requests whose
// body cannot be rewound (no GetBody) are not resent and the 401 is returned.
//
// Example:
//
//	client := transport.NewClient(manager)
//	resp, err := client.Get("https://api.example.com/me")
package transport
