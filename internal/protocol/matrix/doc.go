// Package matrix connects tenants to a Matrix homeserver.
//
// A tenant without stored credentials is paired through the homeserver's SSO
// login: the pairing artifact is the SSO redirect URL, and the homeserver sends
// the browser back to the gateway's callback with a one-time login token. The
// resulting access token is the credential material that resumes the session
// after a restart.
package matrix
