// Package fixtures provides shared test data and a fake identity provider
// for the valet test suite.
package fixtures

// Identity values minted into test tokens.
const (
	// ClientID is the application registration the validator accepts.
	ClientID = "6f1c2a7e-valet-api"

	// TenantID is the tenant of the fake identity provider.
	TenantID = "72f988bf-test-tenant"

	// UserOID is the object id claim of the default test user.
	UserOID = "00000000-0000-0000-0000-0000000000a1"

	// UserSubject is the subject claim of the default test user. It differs
	// from UserOID so tests can tell which claim became the user id.
	UserSubject = "pairwise-subject-a1"

	// UserEmail is the email claim of the default test user.
	UserEmail = "ada@example.test"

	// UserName is the display name of the default test user.
	UserName = "Ada Lovelace"

	// AdminRole is the role required by admin-only handlers.
	AdminRole = "admin"
)

// Storage values used by valet and MinIO tests.
const (
	// Container is the upload bucket.
	Container = "uploads"

	// AccountName is the storage account name reported on delegation keys.
	AccountName = "valetstore"
)

// Configuration documents used by config loader tests.
const (
	// EnvPrefix is the environment prefix used by config loader tests.
	EnvPrefix = "VALET"

	// ConfigYAML is a minimal valid YAML server configuration.
	ConfigYAML = `addr: ":9090"
allowed_origins: [https://app.example.test]
auth:
  authority: https://login.example.test/tenant/v2.0
  client_id: ` + ClientID + `
`

	// ConfigJSON is ConfigYAML in JSON form.
	ConfigJSON = `{
  "addr": ":9090",
  "allowed_origins": ["https://app.example.test"],
  "auth": {
    "authority": "https://login.example.test/tenant/v2.0",
    "client_id": "` + ClientID + `"
  }
}`
)
