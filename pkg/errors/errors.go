// Package errors defines the error taxonomy shared by every valet service
// package. Each failure carries a machine-readable [Code] in CATEGORY_NNN
// form; the category alone decides the HTTP status a handler writes.
//
// # Categories
//
//   - VAL: malformed configuration or request input (400)
//   - AUTH: the caller could not be authenticated (401)
//   - AUTHZ: the caller is authenticated but not allowed (403)
//   - INT: trust-root discovery, delegation-key or other internal failure (500)
//   - UNAVAIL: a dependency is not ready (503)
//   - TIMEOUT: a dependency did not answer in time (504)
//
// Identity-provider discovery and storage delegation failures are INT codes
// rather than UNAVAIL: a caller is never told that the trust root is down,
// only that the request failed.
//
// # Usage
//
//	if err != nil {
//	    return sserr.Wrap(err, sserr.CodeDiscoveryUnreachable, "auth: key discovery failed")
//	}
//
//	if sserr.IsAuthentication(err) {
//	    // write 401
//	}
package errors
