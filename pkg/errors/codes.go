package errors

// Code is a machine-readable error code of the form CATEGORY_NNN. Codes are
// stable once assigned and are safe to log and alert on; they never appear in
// client-facing response bodies.
type Code string

const (
	// Validation errors (VAL_xxx) - HTTP 400.

	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// Authentication errors (AUTH_xxx) - HTTP 401.

	// CodeAuthentication indicates a general authentication failure.
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthenticationExpired indicates the token lifetime check failed,
	// either because it expired or is not yet valid.
	CodeAuthenticationExpired Code = "AUTH_002"

	// CodeAuthenticationMalformed indicates the token could not be parsed.
	CodeAuthenticationMalformed Code = "AUTH_003"

	// CodeAuthenticationNoCredentials indicates the request carried neither
	// platform identity headers nor a bearer token.
	CodeAuthenticationNoCredentials Code = "AUTH_004"

	// CodeAuthenticationUnknownKey indicates the token's key id is not in
	// the signing key set, even after a forced refresh.
	CodeAuthenticationUnknownKey Code = "AUTH_005"

	// CodeAuthenticationIssuer indicates the issuer is not in the allow-set.
	CodeAuthenticationIssuer Code = "AUTH_006"

	// CodeAuthenticationAudience indicates the audience is not in the allow-set.
	CodeAuthenticationAudience Code = "AUTH_007"

	// CodeAuthenticationMissingUserID indicates no user id claim was found.
	CodeAuthenticationMissingUserID Code = "AUTH_008"

	// CodeAuthenticationSignature indicates signature verification failed.
	CodeAuthenticationSignature Code = "AUTH_009"

	// Authorization errors (AUTHZ_xxx) - HTTP 403.

	// CodeAuthorization indicates a general authorization failure.
	CodeAuthorization Code = "AUTHZ_001"

	// CodeAuthorizationDenied indicates access to a resource is denied.
	CodeAuthorizationDenied Code = "AUTHZ_002"

	// CodeAuthorizationInsufficientRole indicates the identity holds none of
	// the roles the policy requires.
	CodeAuthorizationInsufficientRole Code = "AUTHZ_004"

	// Conflict errors (CONF_xxx) - HTTP 409.

	// CodeConflict indicates the request conflicts with the current state,
	// such as an invalid lifecycle transition.
	CodeConflict Code = "CONF_001"

	// Internal errors (INT_xxx) - HTTP 500.

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"

	// CodeDiscoveryUnreachable indicates the identity provider's discovery
	// or key endpoint could not be reached.
	CodeDiscoveryUnreachable Code = "INT_004"

	// CodeDiscoveryInvalidDocument indicates the discovery or key document
	// could not be parsed or was missing required fields.
	CodeDiscoveryInvalidDocument Code = "INT_005"

	// CodeDelegationKeyUnavailable indicates the storage collaborator could
	// not be reached or refused to hand out a delegation key.
	CodeDelegationKeyUnavailable Code = "INT_006"

	// Unavailable errors (UNAVAIL_xxx) - HTTP 503.

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a dependent service is unavailable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// Timeout errors (TIMEOUT_xxx) - HTTP 504.

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDependency indicates a call to a dependent service timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the prefix before the first underscore ("AUTH" for
// "AUTH_004"), or the whole code when it has none.
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
